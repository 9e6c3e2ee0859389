// Package gateway authenticates incoming transport connections and hands
// them to the relay.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"collab-relay/auth"
	"collab-relay/internal/permission"
	"collab-relay/internal/relay"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Handshake close codes. Each failed step has its own code and reason.
const (
	CloseMissingDocument   = 4400
	CloseMissingCredential = 4401
	CloseInvalidCredential = 4402
	CloseDocumentMismatch  = 4403
	CloseForbidden         = 4404
	CloseInternalError     = 4500
)

// DefaultResolveTimeout bounds the permission lookup of one handshake.
const DefaultResolveTimeout = 5 * time.Second

// Rejection is a failed handshake: the close frame the peer receives.
type Rejection struct {
	Code   int
	Reason string
}

func (r *Rejection) Error() string { return r.Reason }

func reject(code int, reason string) *Rejection {
	return &Rejection{Code: code, Reason: reason}
}

type Gateway struct {
	signer   *auth.Signer
	resolver permission.Resolver
	relay    *relay.Relay
	logger   zerolog.Logger
	timeout  time.Duration
	upgrader websocket.Upgrader
}

func New(signer *auth.Signer, resolver permission.Resolver, r *relay.Relay, logger zerolog.Logger) *Gateway {
	return &Gateway{
		signer:   signer,
		resolver: resolver,
		relay:    r,
		logger:   logger.With().Str("component", "gateway").Logger(),
		timeout:  DefaultResolveTimeout,
		upgrader: websocket.Upgrader{
			CheckOrigin:      func(*http.Request) bool { return true },
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Authorize runs the handshake checks in order and returns the identity to
// attach, or the first failure.
func (g *Gateway) Authorize(ctx context.Context, documentID, token string) (relay.Identity, *Rejection) {
	if documentID == "" {
		return relay.Identity{}, reject(CloseMissingDocument, "missing document id")
	}
	if token == "" {
		return relay.Identity{}, reject(CloseMissingCredential, "missing credential")
	}

	claims, err := g.signer.Verify(token)
	if errors.Is(err, auth.ErrExpiredToken) {
		return relay.Identity{}, reject(CloseInvalidCredential, "credential expired")
	}
	if err != nil {
		return relay.Identity{}, reject(CloseInvalidCredential, "invalid credential")
	}
	if claims.DocumentID != "" && claims.DocumentID != documentID {
		return relay.Identity{}, reject(CloseDocumentMismatch, "credential issued for another document")
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	res, err := g.resolver.Resolve(ctx, permission.Principal{UserID: claims.UserID, Email: claims.Email}, documentID)
	if err != nil {
		g.logger.Error().Err(err).Str("document_id", documentID).Str("user_id", claims.UserID).Msg("permission lookup failed")
		return relay.Identity{}, reject(CloseInternalError, "permission check failed")
	}

	level := res.Level()
	if !level.CanView() {
		return relay.Identity{}, reject(CloseForbidden, "forbidden")
	}
	return relay.Identity{UserID: claims.UserID, Email: claims.Email, Level: level}, nil
}

// Handle serves GET /:documentId. Rejected peers are upgraded and closed
// with the rejection so the client can tell the reasons apart.
func (g *Gateway) Handle(c *gin.Context) {
	documentID := strings.TrimSpace(c.Param("documentId"))
	token := auth.TokenFromRequest(c.Request)

	id, rej := g.Authorize(c.Request.Context(), documentID, token)

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Debug().Err(err).Msg("upgrade failed")
		return
	}

	if rej != nil {
		g.logger.Info().Str("document_id", documentID).Int("code", rej.Code).Msg("handshake rejected: " + rej.Reason)
		msg := websocket.FormatCloseMessage(rej.Code, rej.Reason)
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	g.relay.Serve(conn, documentID, id)
}
