// Package identity describes who is making a request to the shop core.
package identity

// User identifies the caller. The zero value is an anonymous visitor.
type User struct {
	ID int64
}

// Anonymous returns the anonymous user.
func Anonymous() User {
	return User{}
}

// Authenticated reports whether the user is signed in.
func (u User) Authenticated() bool {
	return u.ID > 0
}
