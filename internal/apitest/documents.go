package apitest

import (
	"bufio"
	"net/http"
	"regexp"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

const maxUpload = 10 << 20

var emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)

// AddDocument stores a document for email and returns its id.
func (s *Server) AddDocument(email, filename string, findings int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addDocumentLocked(email, filename, 0, findings)
}

func (s *Server) addDocumentLocked(email, filename string, size int64, findings int) int {
	acc := s.accounts[email]
	s.nextDoc++
	acc.docs = append(acc.docs, Document{
		ID:         s.nextDoc,
		Filename:   filename,
		Size:       size,
		Findings:   findings,
		UploadedAt: time.Now().UTC().Truncate(time.Second),
	})
	return s.nextDoc
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	docs := slices.Clone(s.accounts[subject(r)].docs)
	s.mu.Unlock()
	if docs == nil {
		docs = []Document{}
	}
	writeJSON(w, http.StatusOK, docs)
}

func (s *Server) findDocument(w http.ResponseWriter, r *http.Request) (*account, int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, detail("Not found."))
		return nil, 0, false
	}
	acc := s.accounts[subject(r)]
	i := slices.IndexFunc(acc.docs, func(d Document) bool { return d.ID == id })
	if i < 0 {
		writeJSON(w, http.StatusNotFound, detail("Not found."))
		return nil, 0, false
	}
	return acc, i, true
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, i, ok := s.findDocument(w, r)
	if ok {
		writeJSON(w, http.StatusOK, acc.docs[i])
	}
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, i, ok := s.findDocument(w, r)
	if ok {
		acc.docs = slices.Delete(acc.docs, i, i+1)
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleDetect reports every e-mail address in the uploaded file as a
// finding, one per line match.
func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUpload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string][]string{"file": {"No file was submitted."}})
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string][]string{"file": {"No file was submitted."}})
		return
	}
	defer file.Close()

	type finding struct {
		Type  string `json:"type"`
		Value string `json:"value"`
		Line  int    `json:"line"`
	}
	findings := []finding{}
	sc := bufio.NewScanner(file)
	for line := 1; sc.Scan(); line++ {
		for _, m := range emailPattern.FindAllString(sc.Text(), -1) {
			findings = append(findings, finding{Type: "email", Value: m, Line: line})
		}
	}

	s.mu.Lock()
	id := s.addDocumentLocked(subject(r), header.Filename, header.Size, len(findings))
	s.accounts[subject(r)].scans++
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"document_id": id,
		"filename":    header.Filename,
		"findings":    findings,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	acc := s.accounts[subject(r)]
	total := 0
	for _, d := range acc.docs {
		total += d.Findings
	}
	stats := map[string]int{
		"documents": len(acc.docs),
		"scans":     acc.scans,
		"findings":  total,
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, stats)
}
