// internal/drivers/errors.go
package drivers

import (
	"errors"
	"fmt"

	"github.com/sua-org/cam-sentinel/internal/core"
)

var (
	ErrDriverNotFound = errors.New("no source registered for this camera kind")
	ErrNotConnected   = errors.New("source not connected")
	ErrReadTimeout    = fmt.Errorf("%w: frame read timeout", core.ErrConnection)
)
