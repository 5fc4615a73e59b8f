// Package remotetest provides an in-memory remote health service for tests.
package remotetest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/cardiosync/internal/remote"
	"github.com/gin-gonic/gin"
)

// Request is one call observed by the fake.
type Request struct {
	Method         string
	Table          string
	Path           string
	IdempotencyKey string
	Body           map[string]any
}

// Server is a fake remote backed by in-memory tables.
type Server struct {
	*httptest.Server

	mu          sync.Mutex
	userID      string
	endpoints   map[string]remote.Endpoint
	tables      map[string]map[int64]map[string]any
	idempotency map[string]int64
	nextID      int64
	clock       func() time.Time
	down        bool
	failWrites  map[string]int
	failStatus  int
	requests    []Request
}

// NewServer starts a fake remote serving the default endpoints for userID.
func NewServer(userID string) *Server {
	gin.SetMode(gin.TestMode)
	fake := &Server{
		userID:      userID,
		endpoints:   remote.DefaultEndpoints(),
		tables:      make(map[string]map[int64]map[string]any),
		idempotency: make(map[string]int64),
		nextID:      1000,
		clock:       func() time.Time { return time.Now().UTC() },
		failWrites:  make(map[string]int),
		failStatus:  http.StatusServiceUnavailable,
	}
	router := gin.New()
	router.GET("/health", fake.handleHealth)
	router.NoRoute(fake.dispatch)
	fake.Server = httptest.NewServer(router)
	return fake
}

// SetDown makes every request fail with 503 while set.
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// FailWrites makes the next n writes to table fail.
func (s *Server) FailWrites(table string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites[table] = n
}

// SetClock overrides the timestamps stamped on remote writes.
func (s *Server) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

// Seed stores a record as if another device had written it and returns its
// server id. A record carrying an id keeps it.
func (s *Server) Seed(table string, record map[string]any) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	copyRecord := cloneRecord(record)
	id, ok := remote.IntField(copyRecord, "id")
	if !ok {
		s.nextID++
		id = s.nextID
	}
	copyRecord["id"] = id
	if _, ok := copyRecord["updated_at"]; !ok {
		copyRecord["updated_at"] = s.clock().Format(time.RFC3339Nano)
	}
	if _, ok := copyRecord["version"]; !ok {
		copyRecord["version"] = int64(1)
	}
	s.table(table)[id] = copyRecord
	return id
}

// Record returns a stored record.
func (s *Server) Record(table string, id int64) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.tables[table][id]
	if !ok {
		return nil, false
	}
	return cloneRecord(record), true
}

// Records returns every stored record of a table ordered by id.
func (s *Server) Records(table string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked(table, nil)
}

// Requests returns the calls observed so far, optionally filtered by method.
func (s *Server) Requests(method string) []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, 0, len(s.requests))
	for _, req := range s.requests {
		if method == "" || req.Method == method {
			out = append(out, req)
		}
	}
	return out
}

func (s *Server) handleHealth(c *gin.Context) {
	s.mu.Lock()
	down := s.down
	s.mu.Unlock()
	if down {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) dispatch(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.down {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable"})
		return
	}

	path := c.Request.URL.Path
	method := c.Request.Method
	for table, endpoint := range s.endpoints {
		switch method {
		case http.MethodGet:
			if endpoint.Read != "" && samePath(path, strings.ReplaceAll(endpoint.Read, "{user}", s.userID)) {
				s.record(method, table, path, c, nil)
				s.handleList(c, table)
				return
			}
		case http.MethodPost:
			if endpoint.Write != "" && samePath(path, endpoint.Write) {
				body := decodeBody(c)
				s.record(method, table, path, c, body)
				s.handleCreate(c, table, body)
				return
			}
		case http.MethodPut:
			if id, ok := trailingID(path, endpoint.Write); ok {
				body := decodeBody(c)
				s.record(method, table, path, c, body)
				s.handleUpdate(c, table, id, body)
				return
			}
		case http.MethodDelete:
			if id, ok := trailingID(path, endpoint.Delete); ok {
				s.record(method, table, path, c, nil)
				s.handleDelete(c, table, id)
				return
			}
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
}

func (s *Server) handleList(c *gin.Context, table string) {
	var since *time.Time
	if raw := c.Query("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_since"})
			return
		}
		since = &parsed
	}
	c.JSON(http.StatusOK, s.sortedLocked(table, since))
}

func (s *Server) handleCreate(c *gin.Context, table string, body map[string]any) {
	if s.consumeFailure(table) {
		c.JSON(s.failStatus, gin.H{"error": "injected_failure"})
		return
	}
	key := c.GetHeader(remote.HeaderIdempotencyKey)
	if key != "" {
		if id, ok := s.idempotency[table+"/"+key]; ok {
			if existing, ok := s.tables[table][id]; ok {
				c.JSON(http.StatusOK, existing)
				return
			}
		}
	}
	s.nextID++
	id := s.nextID
	record := cloneRecord(body)
	record["id"] = id
	record["version"] = int64(1)
	record["updated_at"] = s.clock().Format(time.RFC3339Nano)
	s.table(table)[id] = record
	if key != "" {
		s.idempotency[table+"/"+key] = id
	}
	c.JSON(http.StatusCreated, record)
}

func (s *Server) handleUpdate(c *gin.Context, table string, id int64, body map[string]any) {
	if s.consumeFailure(table) {
		c.JSON(s.failStatus, gin.H{"error": "injected_failure"})
		return
	}
	existing, ok := s.tables[table][id]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	version, _ := remote.IntField(existing, "version")
	record := cloneRecord(body)
	record["id"] = id
	record["version"] = version + 1
	record["updated_at"] = s.clock().Format(time.RFC3339Nano)
	s.tables[table][id] = record
	c.JSON(http.StatusOK, record)
}

func (s *Server) handleDelete(c *gin.Context, table string, id int64) {
	if s.consumeFailure(table) {
		c.JSON(s.failStatus, gin.H{"error": "injected_failure"})
		return
	}
	if _, ok := s.tables[table][id]; !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	delete(s.tables[table], id)
	c.Status(http.StatusNoContent)
}

func (s *Server) consumeFailure(table string) bool {
	if s.failWrites[table] <= 0 {
		return false
	}
	s.failWrites[table]--
	return true
}

func (s *Server) record(method, table, path string, c *gin.Context, body map[string]any) {
	s.requests = append(s.requests, Request{
		Method:         method,
		Table:          table,
		Path:           path,
		IdempotencyKey: c.GetHeader(remote.HeaderIdempotencyKey),
		Body:           body,
	})
}

func (s *Server) table(name string) map[int64]map[string]any {
	table, ok := s.tables[name]
	if !ok {
		table = make(map[int64]map[string]any)
		s.tables[name] = table
	}
	return table
}

func (s *Server) sortedLocked(table string, since *time.Time) []map[string]any {
	ids := make([]int64, 0, len(s.tables[table]))
	for id := range s.tables[table] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		record := s.tables[table][id]
		if since != nil {
			updatedAt, ok := remote.TimeField(record, "updated_at")
			if ok && !updatedAt.After(*since) {
				continue
			}
		}
		out = append(out, cloneRecord(record))
	}
	return out
}

func decodeBody(c *gin.Context) map[string]any {
	body := map[string]any{}
	decoder := json.NewDecoder(c.Request.Body)
	decoder.UseNumber()
	_ = decoder.Decode(&body)
	return body
}

func samePath(a, b string) bool {
	return strings.TrimRight(a, "/") == strings.TrimRight(b, "/")
}

func trailingID(path, base string) (int64, bool) {
	if base == "" {
		return 0, false
	}
	prefix := strings.TrimRight(base, "/") + "/"
	if !strings.HasPrefix(path, prefix) {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(path, prefix), 10, 64)
	return id, err == nil
}

func cloneRecord(record map[string]any) map[string]any {
	out := make(map[string]any, len(record))
	for key, value := range record {
		out[key] = value
	}
	return out
}
