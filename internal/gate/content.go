package gate

import (
	"github.com/spec-kit/entitlement-service/internal/domain"
	"github.com/spec-kit/entitlement-service/internal/entitlement"
	"github.com/spec-kit/entitlement-service/internal/session"
)

// LessonSummary is the part of a lesson visible to everyone.
type LessonSummary struct {
	ID          string                   `json:"id"`
	ProductID   string                   `json:"product_id"`
	Title       string                   `json:"title"`
	Description string                   `json:"description,omitempty"`
	ContentType domain.LessonContentType `json:"content_type"`
	Position    int                      `json:"position"`
}

// UnlockedLesson carries the playable resource.
type UnlockedLesson struct {
	LessonSummary
	MediaURL *string `json:"media_url,omitempty"`
	Body     *string `json:"body,omitempty"`
}

// LockedLesson is rendered instead of the content. It has no field able to
// hold the media resource.
type LockedLesson struct {
	LessonSummary
	ProductName string  `json:"product_name,omitempty"`
	CheckoutURL *string `json:"checkout_url,omitempty"`
}

// ContentView is exactly one of Unlocked or Locked.
type ContentView struct {
	Unlocked *UnlockedLesson
	Locked   *LockedLesson
}

// Content decides what of lesson may be rendered for state. Only a resolved
// profile owning the lesson's product unlocks it.
func Content(state session.State, lesson *domain.Lesson, product *domain.Product) ContentView {
	summary := LessonSummary{
		ID:          lesson.ID,
		ProductID:   lesson.ProductID,
		Title:       lesson.Title,
		Description: lesson.Description,
		ContentType: lesson.ContentType,
		Position:    lesson.Position,
	}

	if state.Phase == session.PhaseReady && entitlement.ComputeContentAccess(state.Profile, lesson.ProductID) {
		return ContentView{Unlocked: &UnlockedLesson{
			LessonSummary: summary,
			MediaURL:      lesson.MediaURL,
			Body:          lesson.Body,
		}}
	}

	locked := &LockedLesson{LessonSummary: summary}
	if product != nil {
		locked.ProductName = product.Name
		locked.CheckoutURL = product.CheckoutURL
	}
	return ContentView{Locked: locked}
}
