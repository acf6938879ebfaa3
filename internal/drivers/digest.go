// internal/drivers/digest.go
package drivers

import (
	"bytes"
	"context"
	"crypto/md5"
	crand "crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync/atomic"
)

// digestClient faz requisições HTTP com Digest (ou Basic, se a câmera pedir).
type digestClient struct {
	client   *http.Client
	username string
	password string
	nc       atomic.Uint32
}

func (d *digestClient) do(ctx context.Context, method, rawURL string, body []byte, contentType string) (*http.Response, error) {
	// 1ª tentativa sem Authorization, só pra pegar WWW-Authenticate
	resp, err := d.send(ctx, method, rawURL, body, contentType, "")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	authHeader := resp.Header.Get("WWW-Authenticate")
	_ = resp.Body.Close()

	if strings.HasPrefix(strings.ToLower(authHeader), "basic") {
		req, err := d.newRequest(ctx, method, rawURL, body, contentType)
		if err != nil {
			return nil, err
		}
		req.SetBasicAuth(d.username, d.password)
		return d.client.Do(req)
	}

	digest, err := parseDigestAuthHeader(authHeader)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}

	nc := fmt.Sprintf("%08x", d.nc.Add(1))
	cnonce := randomHex(16)
	ha1 := md5Hex(fmt.Sprintf("%s:%s:%s", d.username, digest.Realm, d.password))
	ha2 := md5Hex(fmt.Sprintf("%s:%s", method, u.RequestURI()))
	response := md5Hex(fmt.Sprintf("%s:%s:%s:%s:%s:%s",
		ha1, digest.Nonce, nc, cnonce, digest.Qop, ha2,
	))

	authValue := fmt.Sprintf(
		`Digest username="%s", realm="%s", nonce="%s", uri="%s", algorithm=MD5, response="%s", qop=%s, nc=%s, cnonce="%s"`,
		d.username,
		digest.Realm,
		digest.Nonce,
		u.RequestURI(),
		response,
		digest.Qop,
		nc,
		cnonce,
	)
	if digest.Opaque != "" {
		authValue += fmt.Sprintf(`, opaque="%s"`, digest.Opaque)
	}

	return d.send(ctx, method, rawURL, body, contentType, authValue)
}

func (d *digestClient) newRequest(ctx context.Context, method, rawURL string, body []byte, contentType string) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, r)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Connection", "keep-alive")
	return req, nil
}

func (d *digestClient) send(ctx context.Context, method, rawURL string, body []byte, contentType, auth string) (*http.Response, error) {
	req, err := d.newRequest(ctx, method, rawURL, body, contentType)
	if err != nil {
		return nil, err
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	return d.client.Do(req)
}

type digestChallenge struct {
	Realm  string
	Nonce  string
	Qop    string
	Opaque string
}

var digestRx = regexp.MustCompile(`(\w+)="([^"]+)"`)

func parseDigestAuthHeader(h string) (*digestChallenge, error) {
	if !strings.HasPrefix(strings.ToLower(h), "digest ") {
		return nil, fmt.Errorf("WWW-Authenticate não é Digest: %s", h)
	}
	h = strings.TrimSpace(h[len("Digest "):])
	res := &digestChallenge{}
	for _, kv := range digestRx.FindAllStringSubmatch(h, -1) {
		if len(kv) != 3 {
			continue
		}
		switch strings.ToLower(kv[1]) {
		case "realm":
			res.Realm = kv[2]
		case "nonce":
			res.Nonce = kv[2]
		case "qop":
			// "auth,auth-int" -> auth
			res.Qop = strings.TrimSpace(strings.Split(kv[2], ",")[0])
		case "opaque":
			res.Opaque = kv[2]
		}
	}
	if res.Realm == "" || res.Nonce == "" {
		return nil, fmt.Errorf("realm/nonce ausentes em WWW-Authenticate: %s", h)
	}
	if res.Qop == "" {
		res.Qop = "auth"
	}
	return res, nil
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = crand.Read(b)
	return hex.EncodeToString(b)
}
