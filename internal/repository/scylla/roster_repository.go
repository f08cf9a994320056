package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"
)

var ErrRosterQuery = errors.New("roster query failed")

// RosterRepository reads section enrollment from students_by_section.
type RosterRepository struct {
	client *ScyllaClient
	logger *zap.Logger
}

func NewRosterRepository(client *ScyllaClient, logger *zap.Logger) *RosterRepository {
	return &RosterRepository{
		client: client,
		logger: logger.Named("roster_repository"),
	}
}

// CountEligible counts students enrolled in a section. The partition key
// covers the whole section so this is a single-partition read.
func (r *RosterRepository) CountEligible(ctx context.Context, branch string, semester int, section string) (int, error) {
	var count int64
	q := r.client.Query(ctx, r.client.Statements.CountSection, branch, semester, section)
	if err := r.client.ScanWithRetry(q, &count); err != nil {
		r.logger.Error("Failed to count section roster",
			zap.String("branch", branch),
			zap.Int("semester", semester),
			zap.String("section", section),
			zap.Error(err))
		return 0, fmt.Errorf("%w: %v", ErrRosterQuery, err)
	}
	return int(count), nil
}

func (r *RosterRepository) IsEligible(ctx context.Context, branch string, semester int, section, studentID string) (bool, error) {
	var found string
	q := r.client.Query(ctx, r.client.Statements.IsMember, branch, semester, section, studentID)
	err := r.client.ScanWithRetry(q, &found)
	switch {
	case errors.Is(err, gocql.ErrNotFound):
		return false, nil
	case err != nil:
		r.logger.Error("Failed to check roster membership",
			zap.String("section", section),
			zap.String("student_id", studentID),
			zap.Error(err))
		return false, fmt.Errorf("%w: %v", ErrRosterQuery, err)
	}
	return true, nil
}

// Enroll adds students to a section roster in one unlogged batch.
func (r *RosterRepository) Enroll(ctx context.Context, branch string, semester int, section string, studentIDs ...string) error {
	if len(studentIDs) == 0 {
		return nil
	}
	batch := r.client.Session.NewBatch(gocql.UnloggedBatch).WithContext(ctx)
	now := time.Now().UTC()
	for _, id := range studentIDs {
		batch.Query(r.client.Statements.InsertMember, branch, semester, section, id, now)
	}
	if err := r.client.Session.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("%w: enroll: %v", ErrRosterQuery, err)
	}
	r.logger.Info("Students enrolled",
		zap.String("section", section),
		zap.Int("count", len(studentIDs)))
	return nil
}

func (r *RosterRepository) Remove(ctx context.Context, branch string, semester int, section, studentID string) error {
	q := r.client.Query(ctx, r.client.Statements.DeleteMember, branch, semester, section, studentID)
	if err := r.client.ExecuteWithRetry(q, 2); err != nil {
		return fmt.Errorf("%w: remove: %v", ErrRosterQuery, err)
	}
	return nil
}

// ListSection pages through the roster of one section.
func (r *RosterRepository) ListSection(ctx context.Context, branch string, semester int, section string) ([]string, error) {
	iter := r.client.Query(ctx, r.client.Statements.ListSection, branch, semester, section).Iter()
	var (
		ids []string
		id  string
	)
	for iter.Scan(&id) {
		ids = append(ids, id)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("%w: list: %v", ErrRosterQuery, err)
	}
	return ids, nil
}
