/*
 * Copyright (C) 2024 Nuts community
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 *
 */

package core

import (
	"net/http"
	"time"
)

// HTTPRequestDoer defines the interface for a type that executes HTTP requests.
// http.Client implements it, tests typically supply a function (see HTTPRequestFn).
type HTTPRequestDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// HTTPRequestFn wraps a function in a type that implements HTTPRequestDoer.
type HTTPRequestFn func(req *http.Request) (*http.Response, error)

// Do calls the wrapped function.
func (fn HTTPRequestFn) Do(req *http.Request) (*http.Response, error) {
	return fn(req)
}

// DefaultHTTPClient returns an HTTP client with the given timeout.
// All outbound calls made by the engines must carry a timeout, so they can't hang indefinitely
// on an unresponsive collaborator.
func DefaultHTTPClient(timeout time.Duration) *http.Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}
