// Copyright 2025 Alibaba Group Holding Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tasklog

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alibaba/OpenSandbox/task-launcher/internal/types"
)

const defaultWriteTimeout = 10 * time.Second

// WebSocketProvider streams task logs as JSON messages over a websocket connection.
// The task id is added to the URL as the "task" query parameter.
type WebSocketProvider struct {
	URL          string
	Header       http.Header
	Dialer       *websocket.Dialer
	WriteTimeout time.Duration
}

func (p WebSocketProvider) Appender(taskID types.TaskID) (Appender, error) {
	u, err := url.Parse(p.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid log endpoint %q: %w", p.URL, err)
	}
	q := u.Query()
	q.Set("task", taskID.String())
	u.RawQuery = q.Encode()

	dialer := p.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.Dial(u.String(), p.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to log endpoint: %w", err)
	}
	timeout := p.WriteTimeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	return &wsAppender{conn: conn, taskID: taskID, timeout: timeout}, nil
}

type wsAppender struct {
	conn    *websocket.Conn
	taskID  types.TaskID
	timeout time.Duration
}

func (a *wsAppender) Append(rec Record) error {
	if err := a.conn.SetWriteDeadline(time.Now().Add(a.timeout)); err != nil {
		return err
	}
	return a.conn.WriteJSON(newMessage(a.taskID, rec))
}

func (a *wsAppender) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = a.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(a.timeout))
	return a.conn.Close()
}
