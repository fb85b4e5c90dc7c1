package auth

// Role is the caller's role as carried in the access token.
type Role string

const (
	RoleStudent Role = "STUDENT"
	RoleTeacher Role = "TEACHER"
	RoleAdmin   Role = "ADMIN"
)

func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleTeacher, RoleAdmin:
		return true
	}
	return false
}

// CanManageDatasources reports whether the role may upload, create, or
// delete datasources. Retrieval and chat only require authentication.
func CanManageDatasources(r Role) bool {
	return r == RoleTeacher || r == RoleAdmin
}
