package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/corvidio/sentinel/internal/mediaproxy"
)

func writeMediaResponse(c echo.Context, resp mediaproxy.Response, err error) error {
	if err != nil {
		return writeError(c, err)
	}
	defer resp.Body.Close()

	w := c.Response()
	if resp.AcceptRanges {
		w.Header().Set("Accept-Ranges", "bytes")
	}
	if resp.ContentRange != "" {
		w.Header().Set("Content-Range", resp.ContentRange)
	}
	if resp.ContentLength >= 0 {
		w.Header().Set(echo.HeaderContentLength, strconv.FormatInt(resp.ContentLength, 10))
	}
	w.Header().Set(echo.HeaderContentType, resp.ContentType)
	w.WriteHeader(resp.StatusCode)

	if c.Request().Method == http.MethodHead {
		return nil
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

func (s *Server) handleSnapshot(c echo.Context) error {
	id := c.Param("id")
	isGuest := !identityFrom(c).IsOwner
	resp, err := s.proxy.Snapshot(c.Request().Context(), id, isGuest)
	return writeMediaResponse(c, resp, err)
}

func (s *Server) handleVTT(c echo.Context) error {
	id := c.Param("id")
	isGuest := !identityFrom(c).IsOwner
	resp, err := s.proxy.VTT(c.Request().Context(), id, isGuest)
	return writeMediaResponse(c, resp, err)
}

func (s *Server) handleSprite(c echo.Context) error {
	id := c.Param("id")
	isGuest := !identityFrom(c).IsOwner
	resp, err := s.proxy.Sprite(c.Request().Context(), id, isGuest)
	return writeMediaResponse(c, resp, err)
}

func (s *Server) handleClip(c echo.Context) error {
	id := c.Param("id")
	isGuest := !identityFrom(c).IsOwner
	resp, err := s.proxy.Clip(c.Request().Context(), id, c.Request().Header.Get("Range"), isGuest)
	return writeMediaResponse(c, resp, err)
}
