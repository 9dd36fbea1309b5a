package models

import "time"

type Role string

const (
	RoleBuyer Role = "buyer"
	RoleAdmin Role = "admin"
)

type User struct {
	ID           int64     `json:"id"`
	Role         Role      `json:"role"`
	BalanceCents int64     `json:"balance_cents"`
	CreatedAt    time.Time `json:"created_at"`
}
