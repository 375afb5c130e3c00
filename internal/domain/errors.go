package domain

import "errors"

var (
	ErrControllerStatus    = errors.New("controller: unexpected response status")
	ErrArtifactUnavailable = errors.New("controller: artifact is not retrievable")
)
