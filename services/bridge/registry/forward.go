// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package registry

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/AleutianAI/AleutianBridge/services/bridge/datatypes"
)

// Forwarder relays a request to the instance that owns its session.
//
// # Thread Safety
//
// Safe for concurrent use.
type Forwarder struct {
	client   *http.Client
	selfName string
}

// NewForwarder creates a Forwarder. timeout bounds the entire relayed
// call, so it must cover the owner's full execution ceiling.
func NewForwarder(selfName string, timeout time.Duration) *Forwarder {
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	return &Forwarder{
		client:   &http.Client{Timeout: timeout},
		selfName: selfName,
	}
}

// Forward relays r to target and writes the owner's response to w
// verbatim. The loop-guard header tells the owner to execute locally
// no matter what its own pin table says; a relay that cannot reach
// the owner is an InstanceUnavailable.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, target Target, body []byte) error {
	url := "http://" + target.Addr + r.URL.Path
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, url, bytes.NewReader(body))
	if err != nil {
		return datatypes.NewError(datatypes.KindInstanceUnavailable,
			fmt.Sprintf("cannot build relay to %s", target.Name), err)
	}
	req.Header = r.Header.Clone()
	req.Header.Set(datatypes.ForwardedHeader, f.selfName)

	resp, err := f.client.Do(req)
	if err != nil {
		return datatypes.NewError(datatypes.KindInstanceUnavailable,
			fmt.Sprintf("session owner %s did not answer", target.Name), err)
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, err = io.Copy(w, resp.Body)
	return err
}
