package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/qcom/queryportal/internal/models"
	"github.com/qcom/queryportal/internal/service"
	"github.com/spf13/cobra"
)

type fakeOperator struct {
	migrated    bool
	revokedUser string
	created     *models.User
	password    string
	deactivated string
	sessions    []models.SessionInfo
	markerOK    bool
	err         error
	closed      bool
}

func (f *fakeOperator) Migrate() error {
	f.migrated = true
	return f.err
}

func (f *fakeOperator) Purge(ctx context.Context) (*service.PurgeResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &service.PurgeResult{RefreshTokensDeleted: 3, BlacklistDeleted: 2}, nil
}

func (f *fakeOperator) RevokeUser(ctx context.Context, userID string) (*service.LogoutAllResult, error) {
	f.revokedUser = userID
	return &service.LogoutAllResult{SessionsRevoked: 4, AccessTokensInvalidated: f.markerOK}, f.err
}

func (f *fakeOperator) Sessions(ctx context.Context, userID string) ([]models.SessionInfo, error) {
	return f.sessions, f.err
}

func (f *fakeOperator) CreateUser(ctx context.Context, user *models.User, password string) error {
	user.ID = uuid.New().String()
	f.created = user
	f.password = password
	return f.err
}

func (f *fakeOperator) DeactivateUser(ctx context.Context, userID string) (*service.LogoutAllResult, error) {
	f.deactivated = userID
	return &service.LogoutAllResult{SessionsRevoked: 1, AccessTokensInvalidated: true}, f.err
}

func (f *fakeOperator) Close() {
	f.closed = true
}

func useFakeOperator(t *testing.T, op *fakeOperator) {
	t.Helper()

	orig := operatorFactory
	operatorFactory = func(ctx context.Context) (operator, error) {
		return op, nil
	}
	t.Cleanup(func() { operatorFactory = orig })
}

func runCommand(t *testing.T, sub *cobra.Command, args ...string) (string, error) {
	t.Helper()

	cmd := &cobra.Command{Use: "portalctl"}
	cmd.AddCommand(sub)

	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetErr(output)
	cmd.SetArgs(args)

	err := cmd.Execute()
	return output.String(), err
}

func TestMigrateCommand(t *testing.T) {
	op := &fakeOperator{}
	useFakeOperator(t, op)

	out, err := runCommand(t, migrateCmd, "migrate")
	if err != nil {
		t.Fatalf("migrate error = %v, want nil", err)
	}
	if !op.migrated || !op.closed {
		t.Errorf("migrated = %v closed = %v, want both true", op.migrated, op.closed)
	}
	if !strings.Contains(out, "Migration completed") {
		t.Errorf("output = %q", out)
	}
}

func TestPurgeCommand(t *testing.T) {
	useFakeOperator(t, &fakeOperator{})

	out, err := runCommand(t, purgeCmd, "purge")
	if err != nil {
		t.Fatalf("purge error = %v, want nil", err)
	}
	if !strings.Contains(out, "Deleted 3 refresh tokens and 2 blacklist entries") {
		t.Errorf("output = %q", out)
	}
}

func TestPurgeCommand_Failure(t *testing.T) {
	useFakeOperator(t, &fakeOperator{err: errors.New("connection refused")})

	if _, err := runCommand(t, purgeCmd, "purge"); err == nil {
		t.Fatal("purge error = nil, want error")
	}
}

func TestRevokeUserCommand(t *testing.T) {
	userID := uuid.New().String()

	t.Run("reports revoked sessions", func(t *testing.T) {
		op := &fakeOperator{markerOK: true}
		useFakeOperator(t, op)

		out, err := runCommand(t, revokeUserCmd, "revoke-user", userID)
		if err != nil {
			t.Fatalf("revoke-user error = %v", err)
		}
		if op.revokedUser != userID {
			t.Errorf("revoked user = %q, want %q", op.revokedUser, userID)
		}
		if !strings.Contains(out, "Revoked 4 sessions") || strings.Contains(out, "Warning") {
			t.Errorf("output = %q", out)
		}
	})

	t.Run("warns when access tokens stay valid", func(t *testing.T) {
		useFakeOperator(t, &fakeOperator{markerOK: false})

		out, err := runCommand(t, revokeUserCmd, "revoke-user", userID)
		if err != nil {
			t.Fatalf("revoke-user error = %v", err)
		}
		if !strings.Contains(out, "Warning") {
			t.Errorf("output = %q, want a warning", out)
		}
	})

	t.Run("rejects invalid id", func(t *testing.T) {
		op := &fakeOperator{}
		useFakeOperator(t, op)

		if _, err := runCommand(t, revokeUserCmd, "revoke-user", "bob"); err == nil {
			t.Fatal("revoke-user error = nil, want error for non-uuid id")
		}
		if op.revokedUser != "" {
			t.Error("operator called for an invalid id")
		}
	})
}

func TestSessionsCommand(t *testing.T) {
	now := time.Now()
	sessionID := uuid.New().String()
	useFakeOperator(t, &fakeOperator{sessions: []models.SessionInfo{{
		SessionID: sessionID,
		IPAddress: "10.0.0.1",
		UserAgent: "Mozilla/5.0",
		CreatedAt: now,
		ExpiresAt: now.Add(7 * 24 * time.Hour),
	}}})

	out, err := runCommand(t, sessionsCmd, "sessions", uuid.New().String())
	if err != nil {
		t.Fatalf("sessions error = %v", err)
	}
	if !strings.Contains(out, sessionID) || !strings.Contains(out, "Mozilla/5.0") {
		t.Errorf("output = %q, want the session listed", out)
	}
}

func TestCreateUserCommand(t *testing.T) {
	op := &fakeOperator{}
	useFakeOperator(t, op)
	t.Cleanup(func() {
		createEmail, createPassword, createRole, createPodID = "", "", "developer", ""
	})

	podID := uuid.New().String()
	out, err := runCommand(t, createUserCmd, "create-user",
		"--email", "lead@example.com", "--password", "s3cret-pass", "--role", "pod_lead", "--pod", podID)
	if err != nil {
		t.Fatalf("create-user error = %v", err)
	}

	if op.created == nil || op.created.Email != "lead@example.com" || op.created.Role != "pod_lead" {
		t.Fatalf("created = %+v", op.created)
	}
	if op.created.PodID == nil || *op.created.PodID != podID {
		t.Errorf("PodID = %v, want %s", op.created.PodID, podID)
	}
	if op.password != "s3cret-pass" {
		t.Error("password not passed to the operator")
	}
	if !strings.Contains(out, "Created user lead@example.com") {
		t.Errorf("output = %q", out)
	}
}

func TestDeactivateUserCommand(t *testing.T) {
	op := &fakeOperator{}
	useFakeOperator(t, op)
	userID := uuid.New().String()

	out, err := runCommand(t, deactivateUserCmd, "deactivate-user", userID)
	if err != nil {
		t.Fatalf("deactivate-user error = %v", err)
	}
	if op.deactivated != userID {
		t.Errorf("deactivated = %q, want %q", op.deactivated, userID)
	}
	if !strings.Contains(out, "Deactivated user") {
		t.Errorf("output = %q", out)
	}
}
