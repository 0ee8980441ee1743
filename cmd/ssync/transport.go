// slidingsync - A Matrix sliding sync client state engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package main

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"maunium.net/go/mautrix"

	"github.com/lrhodin/slidingsync/pkg/engine"
)

// httpTransport carries sync rounds over the simplified sliding sync
// endpoint using a mautrix client. Session errors (M_UNKNOWN_TOKEN) pass
// through untouched so the engine can classify them as terminal.
type httpTransport struct {
	client        *mautrix.Client
	timeout       time.Duration
	roomCount     int
	timelineLimit int
}

var _ engine.Transport = (*httpTransport)(nil)

// syncBody is the wire shape of the request body. The position cursor and
// long-poll timeout travel as query parameters instead.
type syncBody struct {
	TxnID      string              `json:"txn_id,omitempty"`
	Lists      map[string]syncList `json:"lists,omitempty"`
	Extensions map[string]any      `json:"extensions,omitempty"`
}

type syncList struct {
	Ranges        [][2]int    `json:"ranges"`
	RequiredState [][2]string `json:"required_state,omitempty"`
	TimelineLimit int         `json:"timeline_limit,omitempty"`
}

func newHTTPTransport(client *mautrix.Client, cfg SyncConfig) *httpTransport {
	return &httpTransport{
		client:        client,
		timeout:       cfg.Timeout(),
		roomCount:     cfg.RoomCount,
		timelineLimit: cfg.TimelineLimit,
	}
}

func (t *httpTransport) Send(ctx context.Context, req *engine.Request) (*engine.Response, error) {
	query := map[string]string{}
	if req.Pos != "" {
		query["pos"] = req.Pos
		query["timeout"] = strconv.FormatInt(t.timeout.Milliseconds(), 10)
	}
	url := t.client.BuildURLWithQuery(mautrix.ClientURLPath{
		"unstable", "org.matrix.simplified_msc3575", "sync",
	}, query)

	body := &syncBody{
		TxnID: req.TxnID,
		Lists: map[string]syncList{
			"all": {
				Ranges: [][2]int{{0, t.roomCount - 1}},
				RequiredState: [][2]string{
					{"m.room.name", ""},
					{"m.room.encryption", ""},
					{"m.room.member", "$LAZY"},
				},
				TimelineLimit: t.timelineLimit,
			},
		},
		Extensions: req.Extensions,
	}

	var resp engine.Response
	_, err := t.client.MakeFullRequest(ctx, mautrix.FullRequest{
		Method:       http.MethodPost,
		URL:          url,
		RequestJSON:  body,
		ResponseJSON: &resp,
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}
