package api

import (
	"crypto/subtle"
	"html/template"
	"net/http"
)

var dashboardTemplate = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Query Dashboard</title>
<style>
body { font-family: sans-serif; margin: 2rem; }
table { border-collapse: collapse; width: 100%; }
th, td { border: 1px solid #ccc; padding: 0.4rem 0.6rem; text-align: left; vertical-align: top; }
th { background: #f3f3f3; }
</style>
</head>
<body>
<h1>Recent queries</h1>
<table>
<tr><th>Query</th><th>Intent</th><th>Status</th><th>Time (UTC)</th></tr>
{{range .}}<tr><td>{{.Query}}</td><td>{{.Intent}}</td><td>{{.Status}}</td><td>{{if .CreatedAt.IsZero}}-{{else}}{{.CreatedAt.Format "2006-01-02 15:04:05"}}{{end}}</td></tr>
{{else}}<tr><td colspan="4">No queries yet.</td></tr>
{{end}}</table>
</body>
</html>
`))

func (s *Server) requireDashboardAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.DashboardUser == "" || s.opts.DashboardPassword == "" {
			http.Error(w, "Dashboard authentication is not configured.", http.StatusServiceUnavailable)
			return
		}

		user, password, ok := r.BasicAuth()
		userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.opts.DashboardUser)) == 1
		passwordOK := subtle.ConstantTimeCompare([]byte(password), []byte(s.opts.DashboardPassword)) == 1
		if !ok || !userOK || !passwordOK {
			s.entry(r).Warn("Rejected dashboard credentials")
			w.Header().Set("WWW-Authenticate", `Basic realm="dashboard"`)
			http.Error(w, "Invalid dashboard credentials.", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		http.Error(w, "Query log is not available.", http.StatusServiceUnavailable)
		return
	}
	rows, err := s.logs.Recent(r.Context(), s.opts.DashboardLimit)
	if err != nil {
		s.entry(r).WithError(err).Error("Failed to load query logs")
		http.Error(w, "Failed to load query logs.", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTemplate.Execute(w, rows); err != nil {
		s.entry(r).WithError(err).Error("Failed to render dashboard")
	}
}
