// Copyright 2012, 2013 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package rpc

import (
	"fmt"

	"github.com/juju/errors"

	"github.com/twoporeguys/librpc/serializer"
	"github.com/twoporeguys/librpc/typing"
)

// DownloadIDL pulls the peer's loaded IDL documents through the
// typing discovery interface and loads each one into t. Documents
// arrive as a fragment stream, one file body per fragment.
func DownloadIDL(conn *Connection, t *typing.Context) error {
	call, err := conn.StartCall("/", typing.TypingInterface, "download", nil, nil)
	if err != nil {
		return errors.Trace(err)
	}
	seq := 0
	for {
		body, ok, err := call.Next()
		if err != nil {
			return errors.Annotate(err, "downloading IDL")
		}
		if !ok {
			return nil
		}
		contents, err := serializer.Dump("yaml", body)
		body.Release()
		if err != nil {
			return errors.Trace(err)
		}
		name := fmt.Sprintf("downloaded-%s-%d.yaml", conn.ID(), seq)
		seq++
		if err := t.LoadString(name, contents); err != nil {
			return errors.Trace(err)
		}
	}
}
