// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"log/slog"
	"net/netip"
	"strings"
	"time"

	smcperr "github.com/hwkang0621/smcp/pkg/errors"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// RequestOptions describe an outbound request built by SendRequest.
type RequestOptions struct {
	Peer netip.AddrPort

	// Method defaults to GET.
	Method codes.Code
	// Type defaults to Confirmable.
	Type message.Type

	// Path is split on '/' into URI-Path options.
	Path  string
	Query []string

	Payload          []byte
	ContentFormat    message.MediaType
	HasContentFormat bool

	Flags Flags
	// Expiration defaults to DefaultRequestExpiration.
	Expiration time.Duration

	OnResponse ResponseFunc
	Context    any
}

// SendRequest starts a pool-allocated transaction carrying the request
// described by opts. Observe and block-wise continuation follow Flags.
func (d *Daemon) SendRequest(opts RequestOptions) (*Transaction, error) {
	if !opts.Peer.IsValid() {
		return nil, smcperr.Wrap(smcperr.InvalidArgument, "invalid peer")
	}
	if opts.Method == 0 {
		opts.Method = codes.GET
	}
	if opts.Expiration <= 0 {
		opts.Expiration = DefaultRequestExpiration
	}

	var segs []string
	for _, s := range strings.Split(strings.Trim(opts.Path, "/"), "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}

	resend := func(d *Daemon, t *Transaction) error {
		if err := d.BeginRequest(t, opts.Peer, opts.Method, opts.Type); err != nil {
			return err
		}
		if t.flags&FlagObserve != 0 {
			if err := d.AddOptionUint(message.Observe, 0); err != nil {
				return err
			}
		}
		for _, s := range segs {
			if err := d.AddOptionString(message.URIPath, s); err != nil {
				return err
			}
		}
		if opts.HasContentFormat {
			if err := d.SetContentFormat(opts.ContentFormat); err != nil {
				return err
			}
		}
		for _, q := range opts.Query {
			if err := d.AddOptionString(message.URIQuery, q); err != nil {
				return err
			}
		}
		if t.nextBlock2 != 0 {
			if err := d.AddOptionUint(message.Block2, t.nextBlock2); err != nil {
				return err
			}
		}
		if len(opts.Payload) > 0 {
			if err := d.AppendContent(opts.Payload); err != nil {
				return err
			}
		}
		return d.Send()
	}

	t, err := d.NewTransaction(opts.Flags, resend, opts.OnResponse)
	if err != nil {
		return nil, err
	}
	t.Context = opts.Context
	if err := d.Begin(t, opts.Expiration); err != nil {
		d.End(t)
		return nil, err
	}

	d.logger.Debug("request queued",
		slog.String("peer", opts.Peer.String()),
		slog.String("method", opts.Method.String()),
		slog.String("path", opts.Path))
	return t, nil
}
