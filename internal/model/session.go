package model

// TokenPair is the access/refresh token pair issued at login.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Session is the client-side session: current user identity plus tokens.
type Session struct {
	User   UserPublic `json:"user"`
	Tokens TokenPair  `json:"tokens"`
}
