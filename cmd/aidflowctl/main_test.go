package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/aidflow/aidflow/internal/auth"
	"github.com/aidflow/aidflow/internal/shared"
	"github.com/aidflow/aidflow/jobs"
	_ "github.com/aidflow/aidflow/testing"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return strings.TrimSpace(out.String()), err
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("JWT_SECRET", "cli-secret")
	t.Setenv("APP_ENV", "development")

	raw, err := run(t, "token", "--user", "30", "--role", "finance", "--facility", "1")
	require.NoError(t, err)

	actor, err := auth.NewTokens("cli-secret", "aidflow", time.Hour).Parse(raw)
	require.NoError(t, err)
	require.Equal(t, shared.Actor{ID: 30, Role: shared.RoleFinance, FacilityID: 1}, actor)

	_, err = run(t, "token", "--user", "30", "--role", "admin")
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestHashPasswordCommand(t *testing.T) {
	hash, err := run(t, "hash-password", "correct-horse")
	require.NoError(t, err)
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("correct-horse")))

	_, err = run(t, "hash-password", "short")
	require.Error(t, err)
}

func TestMigrateList(t *testing.T) {
	out, err := run(t, "migrate", "--list")
	require.NoError(t, err)
	require.Equal(t, []string{"0001_identity.sql", "0002_workflows.sql", "0003_platform.sql"}, strings.Split(out, "\n"))
}

func TestBuildTask(t *testing.T) {
	_, _, err := buildTask(jobs.TaskColaRecompute, TriggerArgs{})
	require.Error(t, err)

	task, queue, err := buildTask(jobs.TaskColaRecompute, TriggerArgs{BeneficiaryID: 10, Period: shared.Period{Year: 2024, Month: time.March}})
	require.NoError(t, err)
	require.Equal(t, jobs.TaskColaRecompute, task.Type())
	require.Equal(t, jobs.QueueDefault, queue)

	task, _, err = buildTask(jobs.TaskIdempotencyCleanup, TriggerArgs{Retention: 48 * time.Hour})
	require.NoError(t, err)
	require.JSONEq(t, `{"retention_hours":48}`, string(task.Payload()))

	_, _, err = buildTask("mail:send", TriggerArgs{})
	require.Error(t, err)
}
