package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/tutor-ledger/logging"
)

// LessonView is a lesson with its charges and the aggregated status.
// Status is computed on read and never stored.
type LessonView struct {
	Lesson  Lesson
	Charges []LessonCharge
	Status  PaymentStatus
}

// =============================================================================
// LESSON FLOWS
// =============================================================================

// CreateLesson schedules a lesson and charges every enrolled student.
func (s *Service) CreateLesson(ctx context.Context, lesson Lesson, studentIDs []StudentID) (*LessonView, error) {
	studentIDs = uniqueStudents(studentIDs)
	if lesson.ID == "" {
		lesson.ID = LessonID(s.newID())
	}

	err := s.run(ctx, "CreateLesson", studentIDs, func(u *unit) error {
		students, err := u.requireStudents(ctx, studentIDs)
		if err != nil {
			return err
		}
		if err := u.tx.SaveLesson(ctx, lesson); err != nil {
			return err
		}
		for _, st := range students {
			price, currency := ResolvePrice(st, len(students))
			c := LessonCharge{
				LessonID:   lesson.ID,
				StudentID:  st.ID,
				LessonDate: lesson.StartsAt,
				Price:      price,
				Currency:   currency,
			}
			if err := u.chargeCreated(ctx, &c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.FromContext(ctx).Info("lesson created",
		"lesson_id", lesson.ID, "students", len(studentIDs))
	return s.GetLesson(ctx, lesson.ID)
}

// UpdateLesson rewrites the lesson header and diffs the enrollment:
//
//	student removed                  -> ChargeRemoved
//	student added                    -> ChargeCreated
//	student kept, price changed      -> ChargeRepriced
//	student kept, currency changed   -> ChargeRemoved + ChargeCreated
//	lesson date changed              -> every charge re-dated, all resynced
func (s *Service) UpdateLesson(ctx context.Context, lesson Lesson, studentIDs []StudentID) (*LessonView, error) {
	studentIDs = uniqueStudents(studentIDs)

	existing, err := s.store.ListChargesByLesson(ctx, lesson.ID)
	if err != nil {
		return nil, fmt.Errorf("UpdateLesson: %w", err)
	}
	lockSet := append([]StudentID{}, studentIDs...)
	for _, c := range existing {
		lockSet = append(lockSet, c.StudentID)
	}

	err = s.run(ctx, "UpdateLesson", lockSet, func(u *unit) error {
		old, err := u.tx.GetLesson(ctx, lesson.ID)
		if err != nil {
			return err
		}
		if old == nil {
			return lessonNotFound(lesson.ID)
		}
		students, err := u.requireStudents(ctx, studentIDs)
		if err != nil {
			return err
		}
		charges, err := u.tx.ListChargesByLesson(ctx, lesson.ID)
		if err != nil {
			return err
		}
		for _, c := range charges {
			if err := u.mustBeLocked(c.StudentID); err != nil {
				return err
			}
		}

		if err := u.tx.SaveLesson(ctx, lesson); err != nil {
			return err
		}
		return u.diffEnrollment(ctx, lesson, charges, students)
	})
	if err != nil {
		return nil, err
	}
	return s.GetLesson(ctx, lesson.ID)
}

func (u *unit) diffEnrollment(ctx context.Context, lesson Lesson, charges []LessonCharge, students []Student) error {
	wanted := make(map[StudentID]Student, len(students))
	for _, st := range students {
		wanted[st.ID] = st
	}
	have := make(map[StudentID]bool, len(charges))

	for _, c := range charges {
		st, keep := wanted[c.StudentID]
		if !keep {
			if err := u.chargeRemoved(ctx, c); err != nil {
				return err
			}
			continue
		}
		have[c.StudentID] = true

		price, currency := ResolvePrice(st, len(students))
		if currency != c.Currency {
			if err := u.chargeRemoved(ctx, c); err != nil {
				return err
			}
			fresh := LessonCharge{
				LessonID:   lesson.ID,
				StudentID:  st.ID,
				LessonDate: lesson.StartsAt,
				Price:      price,
				Currency:   currency,
			}
			if err := u.chargeCreated(ctx, &fresh); err != nil {
				return err
			}
			continue
		}

		redated := !c.LessonDate.Equal(lesson.StartsAt)
		c.LessonDate = lesson.StartsAt
		if !price.Equal(c.Price) {
			if err := u.chargeRepriced(ctx, c, price); err != nil {
				return err
			}
			continue
		}
		if redated {
			if err := u.tx.UpdateCharge(ctx, c); err != nil {
				return err
			}
			u.touch(c.StudentID)
		}
	}

	for _, st := range students {
		if have[st.ID] {
			continue
		}
		price, currency := ResolvePrice(st, len(students))
		c := LessonCharge{
			LessonID:   lesson.ID,
			StudentID:  st.ID,
			LessonDate: lesson.StartsAt,
			Price:      price,
			Currency:   currency,
		}
		if err := u.chargeCreated(ctx, &c); err != nil {
			return err
		}
	}
	return nil
}

// DeleteLesson removes every charge of the lesson, then the lesson.
func (s *Service) DeleteLesson(ctx context.Context, id LessonID) error {
	existing, err := s.store.ListChargesByLesson(ctx, id)
	if err != nil {
		return fmt.Errorf("DeleteLesson: %w", err)
	}
	lockSet := make([]StudentID, 0, len(existing))
	for _, c := range existing {
		lockSet = append(lockSet, c.StudentID)
	}

	err = s.run(ctx, "DeleteLesson", lockSet, func(u *unit) error {
		lesson, err := u.tx.GetLesson(ctx, id)
		if err != nil {
			return err
		}
		if lesson == nil {
			return lessonNotFound(id)
		}
		charges, err := u.tx.ListChargesByLesson(ctx, id)
		if err != nil {
			return err
		}
		for _, c := range charges {
			if err := u.mustBeLocked(c.StudentID); err != nil {
				return err
			}
			if err := u.chargeRemoved(ctx, c); err != nil {
				return err
			}
		}
		return u.tx.DeleteLesson(ctx, id)
	})
	if err != nil {
		return err
	}

	logging.FromContext(ctx).Info("lesson deleted", "lesson_id", id)
	return nil
}

// =============================================================================
// LESSON READS
// =============================================================================

func (s *Service) GetLesson(ctx context.Context, id LessonID) (*LessonView, error) {
	lesson, err := s.store.GetLesson(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("GetLesson: %w", err)
	}
	if lesson == nil {
		return nil, fmt.Errorf("GetLesson: %w", lessonNotFound(id))
	}
	view, err := s.lessonView(ctx, *lesson)
	if err != nil {
		return nil, fmt.Errorf("GetLesson: %w", err)
	}
	return &view, nil
}

// ListLessons returns lessons starting in [from, to], ordered by start time.
func (s *Service) ListLessons(ctx context.Context, from, to time.Time) ([]LessonView, error) {
	lessons, err := s.store.ListLessons(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("ListLessons: %w", err)
	}
	views := make([]LessonView, 0, len(lessons))
	for _, l := range lessons {
		view, err := s.lessonView(ctx, l)
		if err != nil {
			return nil, fmt.Errorf("ListLessons: %w", err)
		}
		views = append(views, view)
	}
	return views, nil
}

func (s *Service) lessonView(ctx context.Context, l Lesson) (LessonView, error) {
	charges, err := s.store.ListChargesByLesson(ctx, l.ID)
	if err != nil {
		return LessonView{}, err
	}
	return LessonView{
		Lesson:  l,
		Charges: charges,
		Status:  LessonStatus(charges),
	}, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (u *unit) requireStudents(ctx context.Context, ids []StudentID) ([]Student, error) {
	out := make([]Student, 0, len(ids))
	for _, id := range ids {
		st, err := u.requireStudent(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := ValidateStudentPricing(*st); err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, nil
}

func uniqueStudents(ids []StudentID) []StudentID {
	seen := make(map[StudentID]bool, len(ids))
	out := make([]StudentID, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
