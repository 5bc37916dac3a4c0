package models

// Identity is attached to an authenticated request.
type Identity struct {
	ID          string   `json:"id"`
	Email       string   `json:"email"`
	Role        string   `json:"role"`
	PodID       string   `json:"pod_id,omitempty"`
	ManagedPods []string `json:"managed_pods,omitempty"`
}

// ClientFingerprint identifies the client presenting a token.
type ClientFingerprint struct {
	IP        string
	UserAgent string
}
