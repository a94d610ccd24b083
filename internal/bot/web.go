/*
   STAVbot - Statute Transcript Analysis and Verification bot
   Copyright (C) 2025  Unbewohnte (Kasyanov Nikolay Alexeevich)

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU General Public License as published by
   the Free Software Foundation, either version 3 of the License, or
   (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU General Public License for more details.

   You should have received a copy of the GNU General Public License
   along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package bot

import (
	"Unbewohnte/STAVbot/internal/reference"
	"Unbewohnte/STAVbot/internal/statute"
	"Unbewohnte/STAVbot/internal/verify"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"
)

const (
	authCookie = "auth_token"
	// Web requests act on behalf of this user id.
	webUserID = 0
	// Upper bound on JSON request bodies.
	maxRequestBody = 10 * 1024 * 1024
)

// RenderMarkdown converts Markdown to HTML. Raw HTML in the input is dropped.
func RenderMarkdown(markdown string) (string, error) {
	md := goldmark.New(
		goldmark.WithExtensions(extension.GFM, extension.DefinitionList),
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
		goldmark.WithRendererOptions(
			html.WithHardWraps(),
			html.WithXHTML(),
		),
	)

	var buf bytes.Buffer
	if err := md.Convert([]byte(markdown), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

type WebMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	From    string `json:"from,omitempty"`
}

type WebClient struct {
	conn *websocket.Conn
	send chan WebMessage
}

type WebServer struct {
	bot      *Bot
	upgrader websocket.Upgrader
	clients  map[*WebClient]bool
	mu       sync.Mutex
}

func NewWebServer(bot *Bot) *WebServer {
	return &WebServer{
		bot: bot,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*WebClient]bool),
	}
}

func (ws *WebServer) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/ws", ws.requireAuth(ws.handleWebSocket))
	r.HandleFunc("/login", ws.handleLogin).Methods(http.MethodPost)

	r.HandleFunc("/download/logs", ws.requireAuth(ws.handleDownloadLogs)).Methods(http.MethodGet)
	r.HandleFunc("/download/xlsx", ws.requireAuth(ws.handleDownloadXLSX)).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/extract", ws.requireAuth(ws.handleExtract)).Methods(http.MethodPost)
	api.HandleFunc("/verify", ws.requireAuth(ws.handleVerify)).Methods(http.MethodPost)
	api.HandleFunc("/verify/batch", ws.requireAuth(ws.handleVerifyBatch)).Methods(http.MethodPost)
	api.HandleFunc("/statutes/{id}", ws.requireAuth(ws.handleStatute)).Methods(http.MethodGet)

	if ws.bot.conf.Web.StaticDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(ws.bot.conf.Web.StaticDir)))
	}

	return r
}

func (ws *WebServer) server() *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", ws.bot.conf.Web.Port),
		Handler:           ws.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ListenAndServe blocks serving the web interface.
func (ws *WebServer) ListenAndServe() error {
	ws.bot.logger.Info("web server started", "port", ws.bot.conf.Web.Port)
	return ws.server().ListenAndServe()
}

// Start serves the web interface in the background.
func (ws *WebServer) Start() {
	go func() {
		if err := ws.ListenAndServe(); err != nil {
			ws.bot.logger.Error("web server stopped", "err", err)
		}
	}()
}

func (ws *WebServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	username := r.FormValue("username")
	password := r.FormValue("password")

	if username != ws.bot.conf.Web.Username || password != ws.bot.conf.Web.Password {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	token, err := ws.generateJWT()
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     authCookie,
		Value:    token,
		Expires:  time.Now().Add(24 * time.Hour),
		Path:     "/",
		HttpOnly: true,
		Secure:   false,
		SameSite: http.SameSiteStrictMode,
	})

	w.WriteHeader(http.StatusOK)
}

// requireAuth admits requests carrying a valid token either in the auth
// cookie or as a bearer token.
func (ws *WebServer) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var tokenString string
		if cookie, err := r.Cookie(authCookie); err == nil {
			tokenString = cookie.Value
		} else if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
			tokenString = bearer
		}
		if tokenString == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		token, err := ws.validateJWT(tokenString)
		if err != nil || !token.Valid {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok || claims["username"] != ws.bot.conf.Web.Username {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

func (ws *WebServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.bot.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	client := &WebClient{
		conn: conn,
		send: make(chan WebMessage, 256),
	}
	ws.addClient(client)

	go client.writePump()
	go client.readPump(ws)
}

func (ws *WebServer) addClient(client *WebClient) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.clients[client] = true
	ws.bot.logger.Info("web client connected")
}

func (ws *WebServer) removeClient(client *WebClient) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.removeClientLocked(client)
}

func (ws *WebServer) removeClientLocked(client *WebClient) {
	if _, ok := ws.clients[client]; ok {
		delete(ws.clients, client)
		close(client.send)
		ws.bot.logger.Info("web client disconnected")
	}
}

func (ws *WebServer) broadcast(msg WebMessage) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	for client := range ws.clients {
		select {
		case client.send <- msg:
		default:
			// Too slow to keep up
			ws.removeClientLocked(client)
		}
	}
}

func (c *WebClient) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		err := c.conn.WriteJSON(msg)
		if err != nil {
			break
		}
	}
}

func (c *WebClient) readPump(ws *WebServer) {
	defer func() {
		ws.removeClient(c)
		c.conn.Close()
	}()

	for {
		_, msgBytes, err := c.conn.ReadMessage()
		if err != nil {
			break
		}

		var msg WebMessage
		if err := json.Unmarshal(msgBytes, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "command":
			ws.handleCommand(msg.Content)
		}
	}
}

func (ws *WebServer) handleCommand(cmd string) {
	ws.bot.logger.Info("web command", "command", cmd)

	commandName, args := splitCommand(cmd)
	if commandName == "" {
		return
	}

	if commandName == "getlogs" {
		if _, err := os.Stat(ws.bot.conf.LogsFile); os.IsNotExist(err) {
			ws.SendLog("Log file not found")
			return
		}

		response := `<div class="download-container">
            <p>Logs are ready:</p>
            <a href="/download/logs" target="_blank" class="download-btn">
                <i class="bi bi-download me-2"></i>Download logs
            </a>
        </div>`
		ws.sendHTML(response)
		return
	}

	if commandName == "xlsx" {
		if _, err := ws.bot.GenerateSpreadsheet(webUserID, ""); err != nil {
			ws.SendLog("Failed to generate the spreadsheet: " + err.Error())
			return
		}

		response := `<div class="download-container">
            <p>Results spreadsheet is ready:</p>
            <a href="/download/xlsx" target="_blank" class="download-btn">
                <i class="bi bi-file-earmark-spreadsheet me-2"></i>Download spreadsheet
            </a>
        </div>`
		ws.sendHTML(response)
		return
	}

	if command := ws.bot.CommandByName(commandName); command != nil {
		response, err := command.Call(webUserID, args)
		if err != nil {
			ws.SendLog("Error executing command: " + err.Error())
			return
		}
		ws.SendResponse(response)
		return
	}

	// Pasted transcript
	if refs := ws.bot.extractor.Extract(context.Background(), cmd); len(refs) > 0 {
		response, err := ws.bot.checkReferences(webUserID, cmd, refs)
		if err != nil {
			ws.SendLog("Error checking transcript: " + err.Error())
			return
		}
		ws.sendHTML(highlightedHTML(cmd, refs) + renderResponse(response))
		return
	}

	ws.SendLog(ws.bot.suggestionsMessage(commandName))
}

// SendResponse renders a Markdown response and sends it to every client.
func (ws *WebServer) SendResponse(result string) {
	ws.sendHTML(renderResponse(result))
}

// sendHTML sends markup built by the server itself.
func (ws *WebServer) sendHTML(content string) {
	ws.broadcast(WebMessage{
		Type:    "analysis",
		Content: content,
	})
}

func renderResponse(markdown string) string {
	rendered, err := RenderMarkdown(markdown)
	if err != nil {
		return strings.ReplaceAll(template.HTMLEscapeString(markdown), "\n", "<br>")
	}
	return rendered
}

// highlightedHTML renders a transcript with its references marked.
func highlightedHTML(text string, refs []reference.Reference) string {
	return "<p>" + strings.ReplaceAll(reference.HighlightHTML(text, refs), "\n", "<br />\n") + "</p>"
}

func (ws *WebServer) SendLog(log string) {
	ws.broadcast(WebMessage{
		Type:    "log",
		Content: log,
	})
}

func (ws *WebServer) generateJWT() (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"username": ws.bot.conf.Web.Username,
		"exp":      time.Now().Add(24 * time.Hour).Unix(),
		"iat":      time.Now().Unix(),
		"jti":      uuid.New().String(),
	})

	return token.SignedString([]byte(ws.bot.conf.Web.JWTSecret))
}

func (ws *WebServer) validateJWT(tokenString string) (*jwt.Token, error) {
	return jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(ws.bot.conf.Web.JWTSecret), nil
	})
}

func (ws *WebServer) handleDownloadLogs(w http.ResponseWriter, r *http.Request) {
	if _, err := os.Stat(ws.bot.conf.LogsFile); os.IsNotExist(err) {
		http.Error(w, "Log file not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Disposition", "attachment; filename=stavbot_logs.txt")
	w.Header().Set("Content-Type", "text/plain")

	http.ServeFile(w, r, ws.bot.conf.LogsFile)
}

func (ws *WebServer) handleDownloadXLSX(w http.ResponseWriter, r *http.Request) {
	fileName := ws.bot.conf.ResultsFile
	if _, err := os.Stat(fileName); os.IsNotExist(err) {
		if _, err := ws.bot.GenerateSpreadsheet(webUserID, ""); err != nil {
			http.Error(w, "Failed to generate XLSX file", http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Disposition", "attachment; filename=STAVbot_Results.xlsx")
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")

	http.ServeFile(w, r, fileName)
}

type extractRequest struct {
	Text string `json:"text"`
}

type extractResponse struct {
	References      []reference.Reference `json:"references"`
	Highlighted     string                `json:"highlighted"`
	HighlightedHTML string                `json:"highlighted_html"`
}

type verifyRequest struct {
	StatuteID string   `json:"statute_id"`
	Text      string   `json:"text"`
	Threshold *float64 `json:"threshold,omitempty"`
}

type batchRequest struct {
	Requests  []verify.Request `json:"requests"`
	Text      string           `json:"text,omitempty"`
	Threshold *float64         `json:"threshold,omitempty"`
}

type batchResponse struct {
	Results []verify.Result `json:"results"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, value any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := decoder.Decode(value); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (ws *WebServer) threshold(requested *float64) (float64, error) {
	if requested == nil {
		return ws.bot.userThreshold(webUserID), nil
	}
	if *requested < -1 || *requested > 1 {
		return 0, errors.New("threshold must lie within [-1, 1]")
	}
	return *requested, nil
}

func (ws *WebServer) handleExtract(w http.ResponseWriter, r *http.Request) {
	var req extractRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	refs, highlighted := ws.bot.extractor.ExtractAndHighlight(r.Context(), req.Text)
	if refs == nil {
		refs = []reference.Reference{}
	}

	writeJSON(w, http.StatusOK, extractResponse{
		References:      refs,
		Highlighted:     highlighted,
		HighlightedHTML: highlightedHTML(req.Text, refs),
	})
}

func (ws *WebServer) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.StatuteID) == "" || strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, errors.New("statute_id and text are required"))
		return
	}

	threshold, err := ws.threshold(req.Threshold)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := ws.bot.verifier.Verify(r.Context(), req.Text, req.StatuteID, threshold)
	if err != nil {
		writeError(w, statute.HTTPStatus(err), err)
		return
	}
	ws.bot.recordResults([]verify.Result{result})
	ws.SendResponse(formatResult(result, threshold))

	writeJSON(w, http.StatusOK, result)
}

// handleVerifyBatch verifies either explicit requests or every reference
// found in a transcript.
func (ws *WebServer) handleVerifyBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	threshold, err := ws.threshold(req.Threshold)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var results []verify.Result
	if len(req.Requests) == 0 && req.Text != "" {
		userConf, err := ws.bot.store.GetUserConfig(webUserID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		results, err = ws.bot.checkTranscript(
			r.Context(),
			req.Text,
			threshold,
			ws.bot.useSentenceContext(userConf.SentenceContext),
		)
		if err != nil {
			writeError(w, statute.HTTPStatus(err), err)
			return
		}
	} else {
		results, err = ws.bot.verifier.VerifyBatch(r.Context(), req.Requests, threshold)
		if err != nil {
			writeError(w, statute.HTTPStatus(err), err)
			return
		}
		ws.bot.recordResults(results)
	}

	if results == nil {
		results = []verify.Result{}
	}
	ws.SendResponse(formatResults(results, threshold))

	writeJSON(w, http.StatusOK, batchResponse{Results: results})
}

func (ws *WebServer) handleStatute(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	force := r.URL.Query().Get("refresh") == "1"

	lookup, err := ws.bot.verifier.Lookup(r.Context(), id, force)
	if err != nil {
		writeError(w, statute.HTTPStatus(err), err)
		return
	}

	writeJSON(w, statute.HTTPStatus(lookup.Err), lookup)
}
