// Package httpserver exposes the email lifecycle operations over REST.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/mailkeeper/internal/convert"
	"github.com/and161185/mailkeeper/internal/errs"
	"github.com/and161185/mailkeeper/internal/service"
)

// Options configures the HTTP server.
type Options struct {
	Addr           string
	RequestTimeout time.Duration
	Debug          bool
}

// Server wires the email service into gin handlers.
type Server struct {
	emails service.EmailService
	tokens TokenParser
	log    *zap.Logger
	opts   Options
	srv    *http.Server
}

// New constructs a Server with injected services.
func New(emails service.EmailService, tokens TokenParser, log *zap.Logger, opts Options) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{emails: emails, tokens: tokens, log: log, opts: opts}
}

// Router builds the gin engine with middleware and routes.
func (s *Server) Router() *gin.Engine {
	if !s.opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(Recover(s.log), Logging(s.log))
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, successEnvelope{Success: true})
	})

	v1 := r.Group("/v1/users/:userId", Timeout(s.opts.RequestTimeout), Authenticate(s.tokens))
	v1.GET("/emails", s.listEmails)
	v1.POST("/emails", s.addEmail)
	v1.GET("/emails/:emailId", s.getEmail)
	v1.DELETE("/emails/:emailId", s.deleteEmail)
	v1.POST("/emails/:emailId/resend", s.resendVerification)

	r.NoRoute(func(c *gin.Context) {
		abortWithError(c, errs.ErrNotFound)
	})
	return r
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http listening", zap.String("addr", s.opts.Addr))
		errCh <- s.srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.srv.Shutdown(shCtx)
}

// ids resolves the actor and the :userId path value ("me" is the actor).
func ids(c *gin.Context) (actor, account uuid.UUID, err error) {
	actor, ok := ActorIDFromCtx(c.Request.Context())
	if !ok {
		return uuid.Nil, uuid.Nil, errs.ErrUnauthorized
	}
	p := c.Param("userId")
	if p == "me" {
		return actor, actor, nil
	}
	account, err = convert.ParseID(p)
	return actor, account, err
}

func (s *Server) listEmails(c *gin.Context) {
	actor, account, err := ids(c)
	if err != nil {
		abortWithError(c, err)
		return
	}
	pq, err := convert.ParsePageQuery(c.Query("start"), c.Query("itemsPerPage"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	page, err := s.emails.List(c.Request.Context(), actor, account, pq)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, convert.ToPageDTO(page))
}

func (s *Server) getEmail(c *gin.Context) {
	actor, account, err := ids(c)
	if err != nil {
		abortWithError(c, err)
		return
	}
	emailID, err := convert.ParseID(c.Param("emailId"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	e, err := s.emails.Get(c.Request.Context(), actor, account, emailID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, dataEnvelope{Data: convert.ToEmailDTO(*e)})
}

func (s *Server) addEmail(c *gin.Context) {
	actor, account, err := ids(c)
	if err != nil {
		abortWithError(c, err)
		return
	}
	var req convert.AddEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errors.Join(errs.ErrInvalidArgument, err))
		return
	}
	e, err := s.emails.Add(c.Request.Context(), actor, account, req.Email)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dataEnvelope{Data: convert.ToEmailDTO(*e)})
}

func (s *Server) deleteEmail(c *gin.Context) {
	actor, account, err := ids(c)
	if err != nil {
		abortWithError(c, err)
		return
	}
	emailID, err := convert.ParseID(c.Param("emailId"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	if err := s.emails.Delete(c.Request.Context(), actor, account, emailID); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, successEnvelope{Success: true})
}

func (s *Server) resendVerification(c *gin.Context) {
	actor, account, err := ids(c)
	if err != nil {
		abortWithError(c, err)
		return
	}
	emailID, err := convert.ParseID(c.Param("emailId"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	if err := s.emails.ResendVerification(c.Request.Context(), actor, account, emailID); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, successEnvelope{Success: true})
}
