package main

import (
	"encoding/base64"
	"encoding/hex"

	"github.com/BurntSushi/toml"
	"go.dedis.ch/onion/types"
	"golang.org/x/xerrors"
)

// relayEntry is one [[relay]] table of an import file. Keys are base64,
// the RSA identity is hex and the policy is a summary such as
// "accept 80,443".
type relayEntry struct {
	Nickname string   `toml:"nickname"`
	Ed25519  string   `toml:"ed25519"`
	Rsa      string   `toml:"rsa"`
	OnionKey string   `toml:"onion_key"`
	Addrs    []string `toml:"addrs"`
	Policy   string   `toml:"policy"`
	Flags    []string `toml:"flags"`
}

type relayList struct {
	Relays []relayEntry `toml:"relay"`
}

func (e relayEntry) descriptor() (*types.RelayDescriptor, error) {
	d := &types.RelayDescriptor{
		Nickname: e.Nickname,
		Address:  e.Addrs,
		Flags:    e.Flags,
	}

	var err error
	if e.Ed25519 != "" {
		d.Ed25519, err = base64.StdEncoding.DecodeString(e.Ed25519)
		if err != nil {
			return nil, xerrors.Errorf("ed25519: %v", err)
		}
	}
	if e.Rsa != "" {
		d.Rsa, err = hex.DecodeString(e.Rsa)
		if err != nil {
			return nil, xerrors.Errorf("rsa: %v", err)
		}
	}
	d.OnionKey, err = base64.StdEncoding.DecodeString(e.OnionKey)
	if err != nil {
		return nil, xerrors.Errorf("onion_key: %v", err)
	}
	if e.Policy != "" {
		d.Policy, err = types.ParsePortPolicy(e.Policy)
		if err != nil {
			return nil, err
		}
	}

	return d, d.Validate()
}

// readRelays parses an import file.
func readRelays(path string) ([]*types.RelayDescriptor, error) {
	var list relayList
	_, err := toml.DecodeFile(path, &list)
	if err != nil {
		return nil, xerrors.Errorf("failed to read relays: %v", err)
	}

	res := make([]*types.RelayDescriptor, len(list.Relays))
	for i, e := range list.Relays {
		res[i], err = e.descriptor()
		if err != nil {
			return nil, xerrors.Errorf("relay %d (%s): %w", i, e.Nickname, err)
		}
	}
	return res, nil
}
