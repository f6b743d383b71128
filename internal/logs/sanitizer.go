package logs

import (
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap/zapcore"
)

// SecretSanitizer wraps a zapcore.Core and masks credential material
// before it reaches any sink. The proxy handles platform API keys,
// service JWTs and Authorization headers on every request, so raw log
// lines must never carry a full token.
type SecretSanitizer struct {
	zapcore.Core
	patterns []*secretPattern
	resolved *sync.Map
}

type secretPattern struct {
	name     string
	regex    *regexp.Regexp
	maskFunc func(string) string
}

// NewSecretSanitizer creates a sanitizing core wrapping the provided core.
func NewSecretSanitizer(core zapcore.Core) *SecretSanitizer {
	s := &SecretSanitizer{
		Core:     core,
		resolved: &sync.Map{},
	}
	s.registerDefaultPatterns()
	return s
}

func (s *SecretSanitizer) registerDefaultPatterns() {
	// Platform API keys (awc_ and awc_system_ prefixes)
	s.patterns = append(s.patterns, &secretPattern{
		name:  "platform_api_key",
		regex: regexp.MustCompile(`\b(awc_[A-Za-z0-9_\-]{8,})\b`),
		maskFunc: func(key string) string {
			return MaskToken(key)
		},
	})

	// Bearer header values
	s.patterns = append(s.patterns, &secretPattern{
		name:  "bearer_token",
		regex: regexp.MustCompile(`\b(Bearer\s+[A-Za-z0-9\-\._~\+\/]+=*)\b`),
		maskFunc: func(token string) string {
			parts := strings.SplitN(token, " ", 2)
			if len(parts) != 2 || len(parts[1]) <= 4 {
				return "Bearer ****"
			}
			return "Bearer " + MaskToken(parts[1])
		},
	})

	// JWTs (header.payload.signature)
	s.patterns = append(s.patterns, &secretPattern{
		name:  "jwt",
		regex: regexp.MustCompile(`\b(eyJ[A-Za-z0-9\-_]+\.eyJ[A-Za-z0-9\-_]+\.[A-Za-z0-9\-_]+)\b`),
		maskFunc: func(jwt string) string {
			parts := strings.Split(jwt, ".")
			if len(parts) != 3 || len(parts[2]) < 4 {
				return "****"
			}
			return parts[0] + ".***." + parts[2][len(parts[2])-4:]
		},
	})
}

// RegisterResolvedSecret registers a configured secret value (internal
// service keys, the shared JWT secret) so the literal value is masked
// wherever it appears.
func (s *SecretSanitizer) RegisterResolvedSecret(value string) {
	if len(value) < 8 {
		return
	}
	s.resolved.Store(value, true)
}

func (s *SecretSanitizer) sanitizeString(str string) string {
	result := str

	s.resolved.Range(func(key, _ interface{}) bool {
		secret, ok := key.(string)
		if !ok || secret == "" {
			return true
		}
		result = strings.ReplaceAll(result, secret, MaskToken(secret))
		return true
	})

	for _, pattern := range s.patterns {
		result = pattern.regex.ReplaceAllStringFunc(result, pattern.maskFunc)
	}
	return result
}

// Write sanitizes the entry message and fields before writing.
func (s *SecretSanitizer) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	entry.Message = s.sanitizeString(entry.Message)

	sanitized := make([]zapcore.Field, len(fields))
	for i, field := range fields {
		sanitized[i] = s.sanitizeField(field)
	}
	return s.Core.Write(entry, sanitized)
}

func (s *SecretSanitizer) sanitizeField(field zapcore.Field) zapcore.Field {
	switch field.Type {
	case zapcore.StringType:
		field.String = s.sanitizeString(field.String)
	case zapcore.ByteStringType:
		if b, ok := field.Interface.([]byte); ok {
			field.Interface = []byte(s.sanitizeString(string(b)))
		}
	case zapcore.ErrorType:
		if err, ok := field.Interface.(error); ok {
			original := err.Error()
			sanitizedMsg := s.sanitizeString(original)
			if original != sanitizedMsg {
				field = zapcore.Field{
					Key:    field.Key,
					Type:   zapcore.StringType,
					String: sanitizedMsg,
				}
			}
		}
	}
	return field
}

// With creates a sanitizing child core sharing the resolved-secret set.
func (s *SecretSanitizer) With(fields []zapcore.Field) zapcore.Core {
	sanitized := make([]zapcore.Field, len(fields))
	for i, field := range fields {
		sanitized[i] = s.sanitizeField(field)
	}
	return &SecretSanitizer{
		Core:     s.Core.With(sanitized),
		patterns: s.patterns,
		resolved: s.resolved,
	}
}

// Check routes enabled entries through this core so Write runs.
func (s *SecretSanitizer) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if s.Enabled(entry.Level) {
		return checked.AddCore(entry, s)
	}
	return checked
}

// MaskToken shortens a credential to a loggable prefix and suffix.
func MaskToken(value string) string {
	if len(value) <= 8 {
		return "****"
	}
	return value[:4] + "***" + value[len(value)-2:]
}
