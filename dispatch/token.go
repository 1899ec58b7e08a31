package dispatch

// TokenSource supplies the bearer token attached to outbound dispatch
// requests. A nil TokenSource sends unauthenticated requests.
type TokenSource interface {
	Token() (string, error)
}

type staticTokenSource struct {
	token string
}

func (s staticTokenSource) Token() (string, error) {
	return s.token, nil
}

// NewStaticTokenSource returns a TokenSource that always yields the
// given token, or nil when the token is empty.
func NewStaticTokenSource(token string) TokenSource {
	if token == "" {
		return nil
	}
	return staticTokenSource{token: token}
}
