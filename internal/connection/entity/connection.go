package entity

import "time"

// Status of a connection edge. Blocked is reserved; no flow moves an edge
// into or out of it.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	StatusBlocked  Status = "blocked"
)

// MaxMessageLength bounds the optional request note, in characters.
const MaxMessageLength = 300

// Connection is a directed edge from requester to recipient. An accepted
// edge is read as symmetric.
type Connection struct {
	ID          string    `db:"id" json:"id"`
	RequesterID int64     `db:"requester_id" json:"requesterId,string"`
	RecipientID int64     `db:"recipient_id" json:"recipientId,string"`
	Status      Status    `db:"status" json:"status"`
	Message     *string   `db:"message" json:"message,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time `db:"updated_at" json:"updatedAt"`
}

// Involves reports whether id is either end of the edge.
func (c *Connection) Involves(id int64) bool {
	return c.RequesterID == id || c.RecipientID == id
}

// Peer returns the other end of the edge as seen from id.
func (c *Connection) Peer(id int64) int64 {
	if c.RequesterID == id {
		return c.RecipientID
	}
	return c.RequesterID
}

// Suggestion is an account the caller has no edge with.
type Suggestion struct {
	ID       int64  `db:"id" json:"id,string"`
	FullName string `db:"full_name" json:"fullName"`
	Username string `db:"username" json:"username"`
	Role     string `db:"role" json:"role"`
}
