package db

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestUniqueViolationHelpers(t *testing.T) {
	dup := &pgconn.PgError{Code: "23505", ConstraintName: "users_username_key"}
	if !IsUniqueViolation(dup) {
		t.Fatalf("23505 should be a unique violation")
	}
	if got := UniqueConstraint(dup); got != "users_username_key" {
		t.Fatalf("constraint name: got %q", got)
	}

	wrapped := errors.New("insert failed")
	if IsUniqueViolation(wrapped) {
		t.Fatalf("plain error is not a unique violation")
	}
	if got := UniqueConstraint(wrapped); got != "" {
		t.Fatalf("plain error has no constraint, got %q", got)
	}

	other := &pgconn.PgError{Code: "23503", ConstraintName: "fk_user"}
	if UniqueConstraint(other) != "" {
		t.Fatalf("foreign key violation must not report a unique constraint")
	}
}
