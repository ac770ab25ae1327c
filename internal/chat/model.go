package chat

import "time"

type Content struct {
	ID          int       `json:"id"`
	ChainID     int       `json:"chainId"`
	UserID      int       `json:"userId"`
	Content     string    `json:"content"`
	ContentType string    `json:"contentType"`
	MediaURL    string    `json:"mediaUrl,omitempty"`
	Position    int       `json:"position"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Reaction struct {
	ID        int       `json:"id"`
	ContentID int       `json:"contentId"`
	UserID    int       `json:"userId"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"createdAt"`
}

// ContentTarget locates a piece of content for reaction fan-out.
type ContentTarget struct {
	ChainID  int
	CliqueID int
	AuthorID int
}

type AddContentRequest struct {
	Content     string `json:"content"`
	ContentType string `json:"contentType"`
	MediaURL    string `json:"mediaUrl"`
}

type ReactRequest struct {
	Type string `json:"type"`
}

// reactionNotice is the data attached to the notification sent to a content author.
type reactionNotice struct {
	Type      string `json:"type"`
	ChainID   int    `json:"chainId"`
	ContentID int    `json:"contentId"`
}
