package repository

import "time"

const (
	ConnectionPending  = "pending"
	ConnectionAccepted = "accepted"

	MessageText  = "text"
	MessageImage = "image"
)

type User struct {
	ID             string    `bson:"_id" json:"_id"`
	Email          string    `bson:"email" json:"email"`
	FullName       string    `bson:"full_name" json:"full_name"`
	Username       string    `bson:"username" json:"username"`
	Bio            string    `bson:"bio,omitempty" json:"bio,omitempty"`
	ProfilePicture string    `bson:"profile_picture,omitempty" json:"profile_picture,omitempty"`
	CoverPhoto     string    `bson:"cover_photo,omitempty" json:"cover_photo,omitempty"`
	Location       string    `bson:"location,omitempty" json:"location,omitempty"`
	Followers      []string  `bson:"followers" json:"followers"`
	Following      []string  `bson:"following" json:"following"`
	Connections    []string  `bson:"connections" json:"connections"`
	CreatedAt      time.Time `bson:"createdAt,omitempty" json:"createdAt"`
	UpdatedAt      time.Time `bson:"updatedAt,omitempty" json:"updatedAt"`
}

type Message struct {
	ID          string    `bson:"_id,omitempty" json:"_id"`
	FromUserID  string    `bson:"from_user_id" json:"from_user_id"`
	ToUserID    string    `bson:"to_user_id" json:"to_user_id"`
	Text        string    `bson:"text,omitempty" json:"text,omitempty"`
	MessageType string    `bson:"message_type" json:"message_type"`
	MediaURL    string    `bson:"media_url,omitempty" json:"media_url,omitempty"`
	Seen        bool      `bson:"seen" json:"seen"`
	CreatedAt   time.Time `bson:"createdAt,omitempty" json:"createdAt"`
	UpdatedAt   time.Time `bson:"updatedAt,omitempty" json:"updatedAt"`
}

type Connection struct {
	ID         string    `bson:"_id,omitempty" json:"_id"`
	FromUserID string    `bson:"from_user_id" json:"from_user_id"`
	ToUserID   string    `bson:"to_user_id" json:"to_user_id"`
	Status     string    `bson:"status" json:"status"`
	CreatedAt  time.Time `bson:"createdAt,omitempty" json:"createdAt"`
	UpdatedAt  time.Time `bson:"updatedAt,omitempty" json:"updatedAt"`
}

type Story struct {
	ID              string    `bson:"_id,omitempty" json:"_id"`
	User            string    `bson:"user" json:"user"`
	Content         string    `bson:"content,omitempty" json:"content,omitempty"`
	MediaURL        string    `bson:"media_url,omitempty" json:"media_url,omitempty"`
	MediaType       string    `bson:"media_type" json:"media_type"`
	BackgroundColor string    `bson:"background_color,omitempty" json:"background_color,omitempty"`
	ViewsCount      []string  `bson:"views_count" json:"views_count"`
	CreatedAt       time.Time `bson:"createdAt,omitempty" json:"createdAt"`
	UpdatedAt       time.Time `bson:"updatedAt,omitempty" json:"updatedAt"`
}
