package core

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

// Validate checa o CameraConfig antes de registrar. Todos os erros embrulham
// ErrConfigInvalid.
func (c CameraConfig) Validate() error {
	if err := ValidateCameraID(c.ID); err != nil {
		return err
	}
	kind, ok := ParseCameraKind(string(c.Kind))
	if !ok {
		return fmt.Errorf("%w: camera %s: unknown kind %q", ErrConfigInvalid, c.ID, c.Kind)
	}
	if err := validateAddress(kind, c.Address); err != nil {
		return fmt.Errorf("%w: camera %s: %v", ErrConfigInvalid, c.ID, err)
	}
	u, err := url.Parse(strings.TrimSpace(c.SignalURL))
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("%w: camera %s: signal_url must be ws:// or wss:// (got %q)", ErrConfigInvalid, c.ID, c.SignalURL)
	}
	if c.FPS < 0 {
		return fmt.Errorf("%w: camera %s: fps must be >= 0", ErrConfigInvalid, c.ID)
	}
	if c.Credentials != "" {
		if _, _, err := parseCredentialRef(c.Credentials); err != nil {
			return fmt.Errorf("%w: camera %s: %v", ErrConfigInvalid, c.ID, err)
		}
	}
	return nil
}

// ValidateCameraID: ids entram em tópicos MQTT, então nada de wildcard nem separador.
func ValidateCameraID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty camera id", ErrConfigInvalid)
	}
	for _, r := range id {
		if r == '/' || r == '+' || r == '#' || unicode.IsSpace(r) {
			return fmt.Errorf("%w: camera id %q contains %q", ErrConfigInvalid, id, r)
		}
	}
	return nil
}

func validateAddress(kind CameraKind, addr string) error {
	addr = strings.TrimSpace(addr)
	switch kind {
	case KindRTSP:
		u, err := url.Parse(addr)
		if err != nil || u.Scheme != "rtsp" || u.Host == "" {
			return fmt.Errorf("rtsp address must look like rtsp://host[:port]/path (got %q)", addr)
		}
	case KindONVIF:
		u, err := url.Parse(addr)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("onvif address must be http(s)://host (got %q)", addr)
		}
	case KindUSB:
		if !filepath.IsAbs(addr) {
			return fmt.Errorf("usb address must be an absolute device path (got %q)", addr)
		}
	case KindSynthetic:
		switch addr {
		case "", "bars", "black", "gradient", "moving":
		default:
			return fmt.Errorf("synthetic address must be a pattern name: bars, black, gradient or moving (got %q)", addr)
		}
	}
	return nil
}

// Credentials é o par usuário/senha já resolvido.
type Credentials struct {
	Username string
	Password string
}

func (c Credentials) Empty() bool { return c.Username == "" && c.Password == "" }

func parseCredentialRef(ref string) (scheme, value string, err error) {
	scheme, value, ok := strings.Cut(ref, ":")
	if !ok || value == "" {
		return "", "", fmt.Errorf("credentials ref %q must be env:NAME, file:/path or inline:user:pass", ref)
	}
	switch scheme {
	case "env":
		if strings.ContainsAny(value, " =") {
			return "", "", fmt.Errorf("credentials ref %q: invalid env name", ref)
		}
	case "file":
		if !filepath.IsAbs(value) {
			return "", "", fmt.Errorf("credentials ref %q: file path must be absolute", ref)
		}
	case "inline":
		if !strings.Contains(value, ":") {
			return "", "", fmt.Errorf("credentials ref %q: inline must be user:pass", ref)
		}
	default:
		return "", "", fmt.Errorf("credentials ref %q: unknown scheme %q", ref, scheme)
	}
	return scheme, value, nil
}

// ResolveCredentials lê a referência (env:, file:, inline:) e devolve user/pass.
// Referência vazia devolve credenciais vazias.
func ResolveCredentials(ref string) (Credentials, error) {
	if strings.TrimSpace(ref) == "" {
		return Credentials{}, nil
	}
	scheme, value, err := parseCredentialRef(ref)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}

	var raw string
	switch scheme {
	case "env":
		v, ok := os.LookupEnv(value)
		if !ok {
			return Credentials{}, fmt.Errorf("%w: env %s not set", ErrConfigInvalid, value)
		}
		raw = v
	case "file":
		b, err := os.ReadFile(value)
		if err != nil {
			return Credentials{}, fmt.Errorf("%w: read credentials file: %v", ErrConfigInvalid, err)
		}
		raw = strings.TrimSpace(string(b))
	case "inline":
		raw = value
	}

	user, pass, ok := strings.Cut(raw, ":")
	if !ok {
		return Credentials{}, fmt.Errorf("%w: credentials must be user:pass", ErrConfigInvalid)
	}
	return Credentials{Username: user, Password: pass}, nil
}
