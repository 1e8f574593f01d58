package catalog

import (
	"context"
	"sync"
	"time"
)

// CachedRepo memoizes per-key list reads with a TTL. Recommendation builds
// hit the same pathway's courses and lessons repeatedly.
type CachedRepo struct {
	inner Store
	ttl   time.Duration

	mu      sync.Mutex
	courses map[string]cachedCourses
	lessons map[string]cachedLessons
}

type cachedCourses struct {
	rows    []Course
	fetched time.Time
}

type cachedLessons struct {
	rows    []Lesson
	fetched time.Time
}

func NewCachedRepo(inner Store, ttl time.Duration) *CachedRepo {
	return &CachedRepo{
		inner:   inner,
		ttl:     ttl,
		courses: map[string]cachedCourses{},
		lessons: map[string]cachedLessons{},
	}
}

func (c *CachedRepo) ListCourses(ctx context.Context, pathwayID string) ([]Course, error) {
	c.mu.Lock()
	if e, ok := c.courses[pathwayID]; ok && time.Since(e.fetched) < c.ttl {
		rows := make([]Course, len(e.rows))
		copy(rows, e.rows)
		c.mu.Unlock()
		return rows, nil
	}
	c.mu.Unlock()

	rows, err := c.inner.ListCourses(ctx, pathwayID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.courses[pathwayID] = cachedCourses{rows: rows, fetched: time.Now()}
	c.mu.Unlock()
	return rows, nil
}

func (c *CachedRepo) ListLessons(ctx context.Context, courseID string) ([]Lesson, error) {
	c.mu.Lock()
	if e, ok := c.lessons[courseID]; ok && time.Since(e.fetched) < c.ttl {
		rows := make([]Lesson, len(e.rows))
		copy(rows, e.rows)
		c.mu.Unlock()
		return rows, nil
	}
	c.mu.Unlock()

	rows, err := c.inner.ListLessons(ctx, courseID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.lessons[courseID] = cachedLessons{rows: rows, fetched: time.Now()}
	c.mu.Unlock()
	return rows, nil
}

func (c *CachedRepo) GetCourse(ctx context.Context, id string) (Course, error) {
	return c.inner.GetCourse(ctx, id)
}

func (c *CachedRepo) GetLesson(ctx context.Context, id string) (Lesson, error) {
	return c.inner.GetLesson(ctx, id)
}

// UpsertCourse writes through and drops the cached lists so the next build
// sees the published content.
func (c *CachedRepo) UpsertCourse(ctx context.Context, course Course) error {
	if err := c.inner.UpsertCourse(ctx, course); err != nil {
		return err
	}
	c.invalidate()
	return nil
}

func (c *CachedRepo) UpsertLesson(ctx context.Context, l Lesson) error {
	if err := c.inner.UpsertLesson(ctx, l); err != nil {
		return err
	}
	c.invalidate()
	return nil
}

func (c *CachedRepo) invalidate() {
	c.mu.Lock()
	c.courses = map[string]cachedCourses{}
	c.lessons = map[string]cachedLessons{}
	c.mu.Unlock()
}
