package raftlog

import (
	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// command is the payload of every raft log entry written by Storage.
type command struct {
	ID      string `msgpack:"id"`
	Lowest  int64  `msgpack:"lo"`
	Highest int64  `msgpack:"hi"`
	Block   []byte `msgpack:"b"`
}

type commandHeader struct {
	ID string `msgpack:"id"`
}

func encodeCommand(c command) ([]byte, error) {
	data, err := msgpack.Marshal(&c)
	if err != nil {
		return nil, errors.Wrap(err, "encode command")
	}
	return data, nil
}

func decodeCommand(data []byte) (command, error) {
	var c command
	if err := msgpack.Unmarshal(data, &c); err != nil {
		return command{}, errors.Wrap(err, "decode command")
	}
	return c, nil
}

// commandID decodes only the correlation id.
func commandID(data []byte) (string, bool) {
	var h commandHeader
	if err := msgpack.Unmarshal(data, &h); err != nil {
		return "", false
	}
	return h.ID, h.ID != ""
}
