package auth

// Claims identifica al usuario de la sesión local.
type Claims struct {
	UserID string
	Email  string
}
