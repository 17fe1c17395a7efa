// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package transport realizes a framed full-duplex byte channel as a
// websocket connection per owner, admitted through an HTTP upgrade
// handshake.
package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/evoluhq/evolu-sub002/internal/reconcile"
	"github.com/evoluhq/evolu-sub002/internal/relay"
	"github.com/evoluhq/evolu-sub002/pkg/log"
	"github.com/evoluhq/evolu-sub002/pkg/skiplist"
	"github.com/evoluhq/evolu-sub002/pkg/wire"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// AdmitFunc decides whether a connection for owner may be established. It
// is called from the HTTP handler, before the websocket upgrade, and the
// upgrade waits for its answer.
type AdmitFunc func(owner skiplist.OwnerID) bool

// Server owns the HTTP router admitting and upgrading owner connections.
type Server struct {
	Ingest  *relay.IngestService
	Subs    *relay.SubscriberRegistry
	Fanout  *relay.Fanout
	Admit   AdmitFunc
	Metrics *relay.Metrics

	router *mux.Router
}

// NewServer builds the router; call Router() to obtain the http.Handler
// to serve (after wrapping with any outer middleware).
func NewServer(ingest *relay.IngestService, subs *relay.SubscriberRegistry, fanout *relay.Fanout, admit AdmitFunc, metrics *relay.Metrics) *Server {
	s := &Server{Ingest: ingest, Subs: subs, Fanout: fanout, Admit: admit, Metrics: metrics}
	r := mux.NewRouter()
	r.HandleFunc("/owner/{ownerId}", s.handleConnection)
	s.router = r
	return s
}

// Router returns the HTTP handler to mount.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	ownerStr := mux.Vars(r)["ownerId"]
	owner, err := skiplist.ParseOwnerID(ownerStr)
	if err != nil {
		http.Error(w, "invalid owner id", http.StatusBadRequest)
		return
	}

	if s.Admit != nil && !s.Admit(owner) {
		http.Error(w, "connection not admitted", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("relay: websocket upgrade failed for owner %s: %v", owner, err)
		return
	}

	c := &connection{
		owner: owner,
		ws:    conn,
		srv:   s,
	}
	c.serve()
}

// connection is one owner's websocket session. It implements
// relay.Subscriber so broadcasts can be pushed to it directly.
type connection struct {
	owner skiplist.OwnerID
	ws    *websocket.Conn
	srv   *Server

	writeMu    sync.Mutex
	subscribed bool
	rounds     int
}

func (c *connection) SendBroadcast(frame wire.Frame) error {
	encoded, err := frame.Encode()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteMessage(websocket.BinaryMessage, encoded)
}

func (c *connection) serve() {
	defer c.close()

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		frame, err := wire.DecodeFrame(data)
		if err != nil {
			log.Warnf("relay: malformed frame from owner %s: %v", c.owner, err)
			continue
		}

		c.handleFrame(frame)
	}
}

func (c *connection) handleFrame(frame wire.Frame) {
	c.rounds++
	if c.rounds > reconcile.MaxRounds {
		log.Warnf("relay: owner %s exceeded %d rounds, closing connection", c.owner, reconcile.MaxRounds)
		c.writeErrorAndClose(wire.ErrorInvalidData)
		return
	}

	opts := reconcile.RelayOptions{
		Subscribe:   func() { c.subscribed = true; c.srv.Subs.Subscribe(c.owner, c) },
		Unsubscribe: func() { c.subscribed = false; c.srv.Subs.Unsubscribe(c.owner, c) },
		Broadcast: func(b wire.Frame) {
			c.srv.Subs.Broadcast(c.owner, b, c)
			c.srv.Fanout.Publish(c.owner, b)
		},
	}

	result, err := c.srv.Ingest.HandleFrame(context.Background(), c.owner, frame, c.srv.Ingest.Store, opts)
	if err != nil {
		log.Errorf("relay: handle frame failed for owner %s: %v", c.owner, err)
		if result.Outcome != reconcile.OutcomeResponse || result.Frame.Header.ErrorCode == wire.ErrorNone {
			result = reconcile.Result{
				Outcome: reconcile.OutcomeResponse,
				Frame: wire.Frame{
					Version: wire.ProtocolVersion,
					Header:  wire.Header{Type: wire.MessageResponse, ErrorCode: wire.ErrorInvalidData},
				},
			}
		}
	}
	if result.Outcome != reconcile.OutcomeResponse {
		return
	}

	encoded, err := result.Frame.Encode()
	if err != nil {
		log.Errorf("relay: encode response failed for owner %s: %v", c.owner, err)
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, encoded); err != nil {
		log.Warnf("relay: write response failed for owner %s: %v", c.owner, err)
	}
}

// writeErrorAndClose sends a response frame carrying code and tears down
// the connection, used for session-level faults the caller cannot recover
// from by resubmitting (e.g. a round budget exceeded).
func (c *connection) writeErrorAndClose(code wire.ErrorCode) {
	resp := wire.Frame{
		Version: wire.ProtocolVersion,
		Header:  wire.Header{Type: wire.MessageResponse, ErrorCode: code},
	}
	encoded, err := resp.Encode()
	if err == nil {
		c.writeMu.Lock()
		c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
		c.ws.WriteMessage(websocket.BinaryMessage, encoded)
		c.writeMu.Unlock()
	}
	c.ws.Close()
}

func (c *connection) close() {
	if c.subscribed {
		c.srv.Subs.Unsubscribe(c.owner, c)
	}
	c.ws.Close()
}
