package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"studyflow/internal/domain"
)

// InsertCourse persists a generated course. The unique task_id column makes
// re-execution of the same invocation a no-op (ErrConflict).
func (s *Store) InsertCourse(ctx context.Context, c domain.Course) (domain.Course, error) {
	if c.ID == "" {
		c.ID = "crs_" + uuid.NewString()
	}
	c.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO courses (id,user_id,task_id,topic,level,title,outline,created_at)
VALUES (?,?,?,?,?,?,?,?)`), c.ID, c.UserID, c.TaskID, c.Topic, c.Level, c.Title, []byte(c.Outline), c.CreatedAt)
	if err != nil && isUnique(err) {
		return domain.Course{}, ErrConflict
	}
	return c, err
}

// GetCourseByTaskID returns the course persisted by the given invocation.
func (s *Store) GetCourseByTaskID(ctx context.Context, taskID string) (domain.Course, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
SELECT id,user_id,task_id,topic,level,title,outline,created_at FROM courses WHERE task_id=?`), taskID)
	var c domain.Course
	var outline []byte
	err := row.Scan(&c.ID, &c.UserID, &c.TaskID, &c.Topic, &c.Level, &c.Title, &outline, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Course{}, ErrNotFound
	}
	c.Outline = outline
	return c, err
}

// ListCourses returns a user's courses, newest first.
func (s *Store) ListCourses(ctx context.Context, userID string) ([]domain.Course, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT id,user_id,task_id,topic,level,title,outline,created_at
FROM courses WHERE user_id=? ORDER BY created_at DESC`), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var courses []domain.Course
	for rows.Next() {
		var c domain.Course
		var outline []byte
		if err := rows.Scan(&c.ID, &c.UserID, &c.TaskID, &c.Topic, &c.Level, &c.Title, &outline, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Outline = outline
		courses = append(courses, c)
	}
	return courses, rows.Err()
}

// InsertScheduleBlock persists one block. The (task_id, idx) unique pair
// guards against duplicates when an attempt is retried.
func (s *Store) InsertScheduleBlock(ctx context.Context, b domain.ScheduleBlock) (domain.ScheduleBlock, error) {
	if b.ID == "" {
		b.ID = "blk_" + uuid.NewString()
	}
	b.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO schedule_blocks (id,user_id,task_id,idx,title,starts_at,ends_at,created_at)
VALUES (?,?,?,?,?,?,?,?)`), b.ID, b.UserID, b.TaskID, b.Idx, b.Title, b.StartsAt, b.EndsAt, b.CreatedAt)
	if err != nil && isUnique(err) {
		return domain.ScheduleBlock{}, ErrConflict
	}
	return b, err
}

// ListScheduleBlocks returns a user's blocks in start order.
func (s *Store) ListScheduleBlocks(ctx context.Context, userID string) ([]domain.ScheduleBlock, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT id,user_id,task_id,idx,title,starts_at,ends_at,created_at
FROM schedule_blocks WHERE user_id=? ORDER BY starts_at ASC`), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var blocks []domain.ScheduleBlock
	for rows.Next() {
		var b domain.ScheduleBlock
		if err := rows.Scan(&b.ID, &b.UserID, &b.TaskID, &b.Idx, &b.Title, &b.StartsAt, &b.EndsAt, &b.CreatedAt); err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

// CountScheduleBlocksByTask counts blocks persisted by one invocation.
func (s *Store) CountScheduleBlocksByTask(ctx context.Context, taskID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM schedule_blocks WHERE task_id=?`), taskID).Scan(&n)
	return n, err
}

// UserBlockCount pairs a user with their number of upcoming blocks.
type UserBlockCount struct {
	UserID string
	Count  int
}

// UsersWithBlocksBetween returns users holding schedule blocks starting in
// [from, to), with counts. Backs the digest tasks.
func (s *Store) UsersWithBlocksBetween(ctx context.Context, from, to time.Time) ([]UserBlockCount, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT user_id, COUNT(*) FROM schedule_blocks
WHERE starts_at >= ? AND starts_at < ?
GROUP BY user_id ORDER BY user_id`), from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []UserBlockCount
	for rows.Next() {
		var uc UserBlockCount
		if err := rows.Scan(&uc.UserID, &uc.Count); err != nil {
			return nil, err
		}
		counts = append(counts, uc)
	}
	return counts, rows.Err()
}

// InsertResource persists one recommendation; (task_id, url) dedupes retries.
func (s *Store) InsertResource(ctx context.Context, r domain.Resource) (domain.Resource, error) {
	if r.ID == "" {
		r.ID = "res_" + uuid.NewString()
	}
	r.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO resources (id,user_id,task_id,topic,title,url,snippet,created_at)
VALUES (?,?,?,?,?,?,?,?)`), r.ID, r.UserID, r.TaskID, r.Topic, r.Title, r.URL, r.Snippet, r.CreatedAt)
	if err != nil && isUnique(err) {
		return domain.Resource{}, ErrConflict
	}
	return r, err
}

// ListResources returns a user's recommended resources, newest first.
func (s *Store) ListResources(ctx context.Context, userID string) ([]domain.Resource, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT id,user_id,task_id,topic,title,url,snippet,created_at
FROM resources WHERE user_id=? ORDER BY created_at DESC`), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var resources []domain.Resource
	for rows.Next() {
		var r domain.Resource
		if err := rows.Scan(&r.ID, &r.UserID, &r.TaskID, &r.Topic, &r.Title, &r.URL, &r.Snippet, &r.CreatedAt); err != nil {
			return nil, err
		}
		resources = append(resources, r)
	}
	return resources, rows.Err()
}
