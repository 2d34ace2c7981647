package sip

import (
	"context"
	"fmt"

	"braces.dev/errtrace"
	"github.com/icholy/digest"
)

// CredentialsProvider supplies the username and password used to answer a
// digest challenge. Returning [ErrNoCredentials] aborts the retry.
type CredentialsProvider interface {
	Credentials(ctx context.Context, realm string) (username, password string, err error)
}

// StaticCredentials is a [CredentialsProvider] with a fixed account,
// ignoring the realm.
type StaticCredentials struct {
	Username string
	Password string
}

func (c StaticCredentials) Credentials(context.Context, string) (string, string, error) {
	return c.Username, c.Password, nil
}

// challengeHeaders maps the challenge status code to the header carrying
// the challenge and the header answering it.
func challengeHeaders(status ResponseStatus) (challenge, authorization string, ok bool) {
	switch status {
	case ResponseStatusUnauthorized:
		return "WWW-Authenticate", "Authorization", true
	case ResponseStatusProxyAuthRequired:
		return "Proxy-Authenticate", "Proxy-Authorization", true
	default:
		return "", "", false
	}
}

// parseChallenge extracts the digest challenge from a 401 or 407 response.
func parseChallenge(res *Response) (*digest.Challenge, error) {
	name, _, ok := challengeHeaders(res.StatusCode)
	if !ok {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrActionNotAllowed))
	}
	hdr := res.GetHeader(name)
	if hdr == nil {
		return nil, errtrace.Wrap(fmt.Errorf("%w: %s", errMissHdrs, name))
	}
	chal, err := digest.ParseChallenge(hdr.Value())
	if err != nil {
		return nil, errtrace.Wrap(fmt.Errorf("%w: %w", ErrAuthFailed, err))
	}
	return chal, nil
}

// authorizeRequest computes digest credentials for the challenge and sets
// the matching authorization header on the request, replacing any previous
// answer.
func authorizeRequest(ctx context.Context, req *Request, res *Response, chal *digest.Challenge, provider CredentialsProvider) error {
	if provider == nil {
		return errtrace.Wrap(ErrNoCredentials)
	}

	user, pass, err := provider.Credentials(ctx, chal.Realm)
	if err != nil {
		return errtrace.Wrap(err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   string(req.Method),
		URI:      req.Recipient.String(),
		Username: user,
		Password: pass,
	})
	if err != nil {
		return errtrace.Wrap(fmt.Errorf("%w: %w", ErrAuthFailed, err))
	}

	_, name, _ := challengeHeaders(res.StatusCode)
	req.ReplaceHeader(&GenericHeader{HeaderName: name, Contents: cred.String()})
	return nil
}
