package clique

import "time"

type Clique struct {
	ID          int       `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatorID   int       `json:"creatorId"`
	IsPrivate   bool      `json:"isPrivate"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Chain struct {
	ID        int       `json:"id"`
	CliqueID  int       `json:"cliqueId"`
	CreatorID int       `json:"creatorId"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type CreateCliqueRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	IsPrivate   bool   `json:"isPrivate"`
}

type CreateChainRequest struct {
	Title string `json:"title"`
}
