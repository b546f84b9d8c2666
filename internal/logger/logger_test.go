package logger

import (
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"animehome/internal/config"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func TestInitWritesRotatingFile(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.LogConfig{LogPath: dir, Level: "debug"}
	if err := Init(cfg, "release"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer zap.ReplaceGlobals(zap.NewNop())
	zap.L().Info("hello")
	_ = zap.L().Sync()
	if _, err := os.Stat(filepath.Join(dir, "animehome.log")); err != nil {
		t.Fatalf("log file missing: %v", err)
	}
}

func TestInitRejectsBadLevel(t *testing.T) {
	if err := Init(&config.LogConfig{LogPath: t.TempDir(), Level: "loud"}, "release"); err == nil {
		t.Fatalf("expected level error")
	}
}

func TestGinRecovery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(GinRecovery(false))
	router.GET("/boom", func(c *gin.Context) { panic("boom") })

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestIsBrokenPipe(t *testing.T) {
	err := &net.OpError{Op: "write", Err: os.NewSyscallError("write", syscall.EPIPE)}
	if !isBrokenPipe(err) {
		t.Fatalf("EPIPE should be a broken pipe")
	}
	if isBrokenPipe(errors.New("other")) {
		t.Fatalf("unrelated error flagged")
	}
}
