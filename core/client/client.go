// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package client provides easy access to the telemetry REST api

A client created with NewWithRouter does not marshal HTTP but talks directly to the mux
router, which makes it the tool of choice for unit tests. A client created with
NewWithURL talks to a running service.
*/
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// Client provides easy access to the REST API.
type Client struct {
	router     *mux.Router
	httpClient *http.Client
	url        string
	ctx        context.Context
}

// NewWithRouter creates a client to make pseudo-REST requests through the mux router
func NewWithRouter(router *mux.Router) Client {
	return Client{router: router}
}

// NewWithURL creates a client to make REST requests to the service at url
func NewWithURL(url string) Client {
	return Client{
		url:        strings.TrimSuffix(url, "/"),
		httpClient: &http.Client{Timeout: 20 * time.Second},
	}
}

// WithContext returns a new client with the given base context
func (c Client) WithContext(ctx context.Context) Client {
	c.ctx = ctx
	return c
}

// Context returns the base context of the client
func (c Client) Context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// Device is a helper to access the telemetry of one device
type Device struct {
	client Client
	id     uuid.UUID
}

// Device returns the helper for the device with the given internal id
func (c Client) Device(id uuid.UUID) Device {
	return Device{client: c, id: id}
}

// Latest gets the most recent samples of the device
func (d Device) Latest(limit int, result interface{}) (int, error) {
	return d.client.RawGet("/telemetry/devices/"+d.id.String()+"/latest?limit="+strconv.Itoa(limit), result)
}

// Channel gets all samples of one channel of the device
func (d Device) Channel(channel string, result interface{}) (int, error) {
	return d.client.RawGet("/telemetry/devices/"+d.id.String()+"/channels/"+url.PathEscape(channel), result)
}

// Reduce applies op (AVG, MIN or MAX) to the numeric samples of a channel within
// [start, end]. The value is nil when there was nothing to reduce.
func (d Device) Reduce(op, channel string, start, end time.Time) (*float64, int, error) {
	q := url.Values{}
	q.Set("channel", channel)
	q.Set("start", start.UTC().Format(time.RFC3339Nano))
	q.Set("end", end.UTC().Format(time.RFC3339Nano))
	var response struct {
		Value *float64 `json:"value"`
	}
	status, err := d.client.RawGet("/telemetry/devices/"+d.id.String()+"/reduce/"+op+"?"+q.Encode(), &response)
	return response.Value, status, err
}

// SetStatus sets the liveness status of the device. result receives the updated device.
func (d Device) SetStatus(status string, result interface{}) (int, error) {
	body := map[string]string{"status": status}
	return d.client.RawPut("/devices/"+d.id.String()+"/status", body, result)
}

// PurgeBefore deletes all samples with an event timestamp before cutoff and
// returns how many were deleted
func (c Client) PurgeBefore(cutoff time.Time) (int64, int, error) {
	var response struct {
		Deleted int64 `json:"deleted"`
	}
	status, err := c.raw(http.MethodDelete, "/telemetry?before="+url.QueryEscape(cutoff.UTC().Format(time.RFC3339Nano)), nil, &response)
	return response.Deleted, status, err
}

// RawGet gets the resource from path. Expects http.StatusOK as response, otherwise it will
// flag an error. Returns the actual http status code.
//
// The path can be extend with query strings.
//
// result can be any json target or a raw *[]byte.
// result can be nil.
func (c Client) RawGet(path string, result interface{}) (int, error) {
	return c.raw(http.MethodGet, path, nil, result)
}

// RawPut puts body to path. Expects http.StatusOK as response, otherwise it will
// flag an error. Returns the actual http status code.
//
// body can also be a []byte, result can also be raw *[]byte.
// result can be nil.
func (c Client) RawPut(path string, body interface{}, result interface{}) (int, error) {
	j, ok := body.([]byte)
	if !ok {
		var err error
		j, err = json.Marshal(body)
		if err != nil {
			return http.StatusBadRequest, fmt.Errorf("PUT to %s: %w", path, err)
		}
	}
	return c.raw(http.MethodPut, path, j, result)
}

// RawDelete deletes the resource at path. Expects http.StatusOK as response.
func (c Client) RawDelete(path string) (int, error) {
	return c.raw(http.MethodDelete, path, nil, nil)
}

func (c Client) raw(method, path string, body []byte, result interface{}) (int, error) {
	// handlers served in-process get the same non-nil body net/http guarantees
	var reader io.Reader = http.NoBody
	if body != nil {
		reader = bytes.NewBuffer(body)
	}
	r, err := http.NewRequestWithContext(c.Context(), method, c.url+path, reader)
	if err != nil {
		return http.StatusBadRequest, err
	}
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}

	var res *http.Response
	var resBody []byte
	if c.router != nil {
		rec := httptest.NewRecorder()
		c.router.ServeHTTP(rec, r)
		res = rec.Result()
		resBody = rec.Body.Bytes()
	} else {
		res, err = c.httpClient.Do(r)
		if err != nil {
			return http.StatusInternalServerError, err
		}
		defer res.Body.Close()
		resBody, _ = io.ReadAll(res.Body)
	}
	status := res.StatusCode
	if status != http.StatusOK {
		return status, fmt.Errorf("%s %s got status=%d body=%s", method, path, status, strings.TrimSpace(string(resBody)))
	}

	if resBody != nil && result != nil {
		if raw, ok := result.(*[]byte); ok {
			*raw = resBody
		} else {
			err = json.Unmarshal(resBody, result)
		}
	}
	return status, err
}
