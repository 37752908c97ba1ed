package models

import "time"

type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	IsPro     bool      `json:"is_pro"`
	CreatedAt time.Time `json:"created_at"`
}
