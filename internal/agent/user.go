// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package agent

import (
	"fmt"
	"slices"
	"strings"
)

// User identity defaults.
const (
	EmailCookie = "user_email"
	GuestEmail  = "guest@example.com"
	AdminEmail  = "admin@example.com"

	GroupAdmin = "admin"
	GroupUser  = "user"
)

// User is the caller a conversation runs on behalf of.
type User struct {
	ID       string   `json:"id"`
	Username string   `json:"username"`
	Email    string   `json:"email"`
	Groups   []string `json:"groups"`
}

// InGroup reports whether u belongs to group.
func (u User) InGroup(group string) bool {
	return slices.Contains(u.Groups, group)
}

// ResolveUser builds the user for an email address. An empty address is the
// guest; the admin address gets the admin group.
func ResolveUser(email string) User {
	email = strings.TrimSpace(email)
	if email == "" {
		email = GuestEmail
	}
	group := GroupUser
	if strings.EqualFold(email, AdminEmail) {
		group = GroupAdmin
	}
	name, _, _ := strings.Cut(email, "@")
	return User{ID: email, Username: name, Email: email, Groups: []string{group}}
}

// SystemPrompt is the system message opening every conversation.
func SystemPrompt(u User, timezone string) string {
	if timezone == "" {
		timezone = "UTC"
	}
	return fmt.Sprintf("User:%s\nTimezone:%s\n%s", u.Email, timezone, instructions)
}

const instructions = `You answer questions about the connected database.
Call the run_sql tool with a single read-only SELECT statement to fetch data, then answer from its result.
Call list_tables when you need the available table names.
Only query the tables you are told are allowed.`
