package lifecycle

import "errors"

var ErrTerminating = errors.New("lifecycle: terminating")
