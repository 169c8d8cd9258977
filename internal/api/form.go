package api

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/courier/internal/urlcodec"
)

const (
	formContentType = "application/x-www-form-urlencoded"
	maxFormBytes    = 1 << 20
)

var errFormTooLarge = errors.New("form body too large")

func isForm(c *gin.Context) bool {
	return c.ContentType() == formContentType
}

// readForm decodes an urlencoded request body.
func readForm(c *gin.Context) ([]urlcodec.Pair, error) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxFormBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read form: %w", err)
	}
	if len(raw) > maxFormBytes {
		return nil, errFormTooLarge
	}
	pairs, err := urlcodec.ParseForm(string(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid form: %w", err)
	}
	return pairs, nil
}

// bindTransferForm fills req from form fields. Each "header" field is a
// "Name: Value" line.
func bindTransferForm(c *gin.Context, req *createTransferRequest) error {
	pairs, err := readForm(c)
	if err != nil {
		return err
	}
	for _, p := range pairs {
		switch p.Name {
		case "url":
			req.URL = p.Value
		case "method":
			req.Method = p.Value
		case "body":
			req.Body = p.Value
		case "save_as":
			req.SaveAs = p.Value
		case "user":
			req.User = p.Value
		case "password":
			req.Password = p.Value
		case "header":
			name, value, ok := strings.Cut(p.Value, ":")
			if !ok || strings.TrimSpace(name) == "" {
				return fmt.Errorf("invalid header field %q", p.Value)
			}
			if req.Headers == nil {
				req.Headers = make(map[string]string)
			}
			req.Headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
		}
	}
	if req.URL == "" {
		return errors.New("url is required")
	}
	return nil
}

func bindConsoleForm(c *gin.Context, req *consoleRequest) error {
	pairs, err := readForm(c)
	if err != nil {
		return err
	}
	command, ok := urlcodec.Lookup(pairs, "command")
	if !ok || strings.TrimSpace(command) == "" {
		return errors.New("command is required")
	}
	req.Command = command
	return nil
}
