package process

import (
	"errors"
	"strings"

	"github.com/loykin/vtxgate/internal/logger"
)

// Spec describes one worker invocation. Args are passed verbatim; no shell is involved.
type Spec struct {
	Name   string
	Binary string
	Args   []string
	Dir    string   // working directory, empty inherits the gateway's
	Env    []string // appended to the gateway's environment
	Log    logger.Config
}

func (s Spec) validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("process name is required")
	}
	if strings.TrimSpace(s.Binary) == "" {
		return errors.New("process binary is required")
	}
	return nil
}
