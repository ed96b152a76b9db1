package domain

import "time"

// LessonContentType enumerates how a lesson is delivered.
type LessonContentType string

const (
	LessonContentVideo LessonContentType = "video"
	LessonContentText  LessonContentType = "text"
	LessonContentPDF   LessonContentType = "pdf"
)

// Product is a purchasable item that owns paid content.
type Product struct {
	ID          string
	Name        string
	CheckoutURL *string
	IsActive    bool
	// ParentProductID marks a bonus granted with the purchase of its parent.
	ParentProductID *string
	CreatedAt       time.Time
}

// Lesson is a paid content item owned by a product.
type Lesson struct {
	ID          string
	ProductID   string
	Title       string
	Description string
	ContentType LessonContentType
	MediaURL    *string
	Body        *string
	Position    int
	CreatedAt   time.Time
}
