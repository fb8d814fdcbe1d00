// Package mcpserver exposes essay evaluation as Model Context Protocol tools,
// so an assistant can submit an essay on the user's behalf.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"

	"github.com/fpang/ielts-examiner/internal/evalerr"
	"github.com/fpang/ielts-examiner/internal/intake"
	"github.com/fpang/ielts-examiner/internal/pipeline"
	"github.com/fpang/ielts-examiner/internal/session"
	"github.com/fpang/ielts-examiner/internal/submission"
)

// TextInput is the evaluate_essay_text argument.
type TextInput struct {
	EssayText string `json:"essay_text" jsonschema:"the full essay text to evaluate"`
}

// ImagesInput is the evaluate_essay_images argument.
type ImagesInput struct {
	Paths []string `json:"paths" jsonschema:"local paths of the photographed or scanned essay pages (or folders of them), in page order"`
}

// ResultInput is the get_result argument.
type ResultInput struct {
	Mode string `json:"mode" jsonschema:"input mode of the result: text, single-image or multi-image"`
}

// Server holds the pipeline and the one session every tool call shares.
type Server struct {
	pipeline *pipeline.Pipeline
	sess     *session.Session
	maxRaw   int64
	version  string
}

// New creates a Server. maxRawBytes caps each page file read from disk.
func New(p *pipeline.Pipeline, maxRawBytes int64, version string) *Server {
	return &Server{pipeline: p, sess: session.New(), maxRaw: maxRawBytes, version: version}
}

// MCP builds the protocol server with all tools registered.
func (s *Server) MCP() *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "ielts-examiner", Version: s.version}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "evaluate_essay_text",
		Description: "Score an IELTS Writing Task 2 essay given as text. Returns band scores for the four criteria, an overall band, feedback and suggestions.",
	}, s.evaluateText)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "evaluate_essay_images",
		Description: "Score a handwritten or printed IELTS essay from page images on disk (JPEG, PNG, HEIC and more). A directory contributes its images sorted by name. One page is evaluated as a single image; several are evaluated as one essay in the given order.",
	}, s.evaluateImages)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_result",
		Description: "Return the last evaluation made in this session for an input mode.",
	}, s.getResult)

	return server
}

// Run serves the tools over stdio until ctx is done or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	log.Info().Str("version", s.version).Msg("MCP server listening on stdio")
	return s.MCP().Run(ctx, &mcp.StdioTransport{})
}

func (s *Server) evaluateText(ctx context.Context, _ *mcp.CallToolRequest, in TextInput) (*mcp.CallToolResult, any, error) {
	out, err := s.pipeline.Submit(ctx, s.sess, pipeline.Input{Mode: submission.ModeText, Text: in.EssayText})
	return toolResult(out, err), nil, nil
}

func (s *Server) evaluateImages(ctx context.Context, _ *mcp.CallToolRequest, in ImagesInput) (*mcp.CallToolResult, any, error) {
	if len(in.Paths) == 0 {
		return toolResult(nil, evalerr.New(evalerr.KindMissingInput, "Please provide at least one image.")), nil, nil
	}

	paths, err := intake.ExpandPages(in.Paths)
	if err != nil {
		return toolResult(nil, err), nil, nil
	}

	assets := make([]intake.RawAsset, 0, len(paths))
	for _, p := range paths {
		a, err := intake.LoadFile(p, s.maxRaw)
		if err != nil {
			return toolResult(nil, err), nil, nil
		}
		assets = append(assets, a)
	}

	mode := submission.ModeMultiImage
	if len(assets) == 1 {
		mode = submission.ModeSingleImage
	}
	out, err := s.pipeline.Submit(ctx, s.sess, pipeline.Input{Mode: mode, Assets: assets})
	return toolResult(out, err), nil, nil
}

func (s *Server) getResult(_ context.Context, _ *mcp.CallToolRequest, in ResultInput) (*mcp.CallToolResult, any, error) {
	mode, err := submission.ParseMode(in.Mode)
	if err != nil {
		return errorResult(err.Error()), nil, nil
	}
	res, ok := s.sess.Results.Get(mode)
	if !ok {
		return errorResult(fmt.Sprintf("no %s evaluation has been made in this session", mode)), nil, nil
	}
	body, err := json.Marshal(res)
	if err != nil {
		return errorResult("failed to encode result"), nil, nil
	}
	return textResult(string(body)), nil, nil
}

// toolResult turns a pipeline outcome into tool content: the evaluation JSON,
// then a note per rejected page. Failures are tool errors carrying the
// user-facing message, not protocol errors.
func toolResult(out *pipeline.Outcome, err error) *mcp.CallToolResult {
	if err != nil {
		msg := evalerr.Message(err)
		if note := rejectedNote(err); note != "" {
			msg += "\n" + note
		}
		log.Warn().Err(err).Str("kind", evalerr.KindOf(err).String()).Msg("MCP evaluation failed")
		return errorResult(msg)
	}

	body, mErr := json.Marshal(out.Result)
	if mErr != nil {
		return errorResult("failed to encode result")
	}
	res := textResult(string(body))
	if len(out.Rejected) > 0 {
		res.Content = append(res.Content, &mcp.TextContent{Text: describeRejections(out.Rejected)})
	}
	return res
}

func rejectedNote(err error) string {
	var rej *pipeline.RejectedError
	if !errors.As(err, &rej) || len(rej.Rejected) == 0 {
		return ""
	}
	return describeRejections(rej.Rejected)
}

func describeRejections(rejected []intake.Rejection) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d page(s) were left out:", len(rejected))
	for _, r := range rejected {
		fmt.Fprintf(&b, "\n- page %d (%s): %s", r.Index+1, r.Name, r.Message)
	}
	return b.String()
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

func errorResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{IsError: true, Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}
