package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Mode string

const (
	ModeOffline Mode = "offline"
	ModeOnline  Mode = "online"
)

// Config carries every runtime tunable. It is built once in main and passed
// down through constructors; nothing reads the environment after startup.
type Config struct {
	Mode     Mode
	HTTPAddr string

	DBDriver string
	DBDSN    string

	SessionTTL         time.Duration
	ExpiryScanInterval time.Duration
	RequestDeadline    time.Duration

	// IRT / CAT
	QuadratureSize int
	TopKSelection  int
	IRTModel       string // 1PL|2PL|3PL

	// Recommendations
	CoursesPerSkill  int
	LessonsPerCourse int
	TargetPolicy     string // next-band

	// Scorer adapter call budgets
	SpeakingScoreTimeout time.Duration
	WritingScoreTimeout  time.Duration

	// Item bank / catalog cache
	CatalogCacheTTL time.Duration

	// Offline/dev local auth. Online deployments run behind the portal BFF
	// and authenticate via X-User-Id / X-User-Role only.
	EnableLocalAuth bool
	AuthHMACSecret  string
	AdminUser       string
	AdminPassHash   string // bcrypt

	CORSOriginsOnline  []string
	CORSOriginsOffline []string
}

// FromEnv loads configuration from the environment, reading a .env file
// first when present.
func FromEnv() Config {
	_ = godotenv.Load()

	mode := Mode(os.Getenv("MODE"))
	if mode == "" {
		mode = ModeOffline
	}
	return Config{
		Mode:     mode,
		HTTPAddr: envOr("HTTP_ADDR", ":8080"),

		DBDriver: envOr("DB_DRIVER", "sqlite"),
		DBDSN:    envOr("DB_DSN", ""),

		SessionTTL:         time.Duration(envInt("SESSION_TTL_MINUTES", 120)) * time.Minute,
		ExpiryScanInterval: time.Duration(envInt("EXPIRY_SCAN_INTERVAL_S", 60)) * time.Second,
		RequestDeadline:    time.Duration(envInt("DEFAULT_REQUEST_DEADLINE_MS", 5000)) * time.Millisecond,

		QuadratureSize: envInt("QUADRATURE_SIZE", 41),
		TopKSelection:  envInt("TOP_K_SELECTION", 1),
		IRTModel:       envOr("IRT_MODEL", "2PL"),

		CoursesPerSkill:  envInt("RECOMMENDATION_COURSES_PER_SKILL", 2),
		LessonsPerCourse: envInt("RECOMMENDATION_LESSONS_PER_COURSE", 2),
		TargetPolicy:     envOr("RECOMMENDATION_TARGET_POLICY", "next-band"),

		SpeakingScoreTimeout: time.Duration(envInt("SPEAKING_SCORE_TIMEOUT_S", 30)) * time.Second,
		WritingScoreTimeout:  time.Duration(envInt("WRITING_SCORE_TIMEOUT_S", 60)) * time.Second,

		CatalogCacheTTL: time.Duration(envInt("CATALOG_CACHE_TTL_S", 300)) * time.Second,

		EnableLocalAuth: envBool("ENABLE_LOCAL_AUTH", mode == ModeOffline),
		AuthHMACSecret:  envOr("AUTH_HMAC_SECRET", "flightpath-dev-secret"),
		AdminUser:       envOr("ADMIN_USER", "admin"),
		AdminPassHash:   os.Getenv("ADMIN_PASS_HASH"),

		CORSOriginsOnline:  csvOr("CORS_ORIGINS_ONLINE", "https://portal.flightpath.example"),
		CORSOriginsOffline: csvOr("CORS_ORIGINS_OFFLINE", "http://localhost:3000,http://localhost:5173"),
	}
}

func envOr(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func envInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(k string, def bool) bool {
	switch os.Getenv(k) {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return def
	}
}

func csvOr(k, def string) []string {
	v := envOr(k, def)
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
