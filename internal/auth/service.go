package auth

import (
	"context"
	"errors"
	"time"

	"backend-runtracker/internal/db"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
)

const (
	accessTokenTTL  = 15 * time.Minute
	refreshTokenTTL = 7 * 24 * time.Hour
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenInvalid       = errors.New("token invalid")
)

// Service issues tokens for athletes. Refresh tokens live in Redis with a TTL
// when a client is configured, otherwise in the refresh_tokens table.
type Service struct {
	secret []byte
	db     db.Querier
	tokens *redis.Client
}

type Claims struct {
	AthleteID string `json:"athlete_id"`
	jwt.RegisteredClaims
}

func NewService(secret string, db db.Querier, tokens *redis.Client) *Service {
	return &Service{
		secret: []byte(secret),
		db:     db,
		tokens: tokens,
	}
}

func (s *Service) Register(ctx context.Context, req RegisterRequest) (Athlete, TokenResponse, error) {
	if req.Email == "" || req.Password == "" {
		return Athlete{}, TokenResponse{}, errors.New("email and password required")
	}
	hash, err := hashPasswordFn([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return Athlete{}, TokenResponse{}, err
	}

	athlete := Athlete{
		ID:           uuid.NewString(),
		Email:        req.Email,
		DisplayName:  req.DisplayName,
		PasswordHash: string(hash),
	}

	row := s.db.QueryRow(ctx, `
		INSERT INTO athletes (id, email, display_name, password_hash)
		VALUES ($1,$2,$3,$4)
		RETURNING created_at
	`, athlete.ID, athlete.Email, athlete.DisplayName, athlete.PasswordHash)
	if err := row.Scan(&athlete.CreatedAt); err != nil {
		return Athlete{}, TokenResponse{}, err
	}

	tokens, err := s.GenerateTokens(ctx, athlete.ID)
	if err != nil {
		return Athlete{}, TokenResponse{}, err
	}
	return athlete, tokens, nil
}

func (s *Service) Login(ctx context.Context, req LoginRequest) (Athlete, TokenResponse, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, email, display_name, password_hash, created_at
		FROM athletes WHERE email = $1
	`, req.Email)

	var athlete Athlete
	if err := row.Scan(&athlete.ID, &athlete.Email, &athlete.DisplayName, &athlete.PasswordHash, &athlete.CreatedAt); err != nil {
		return Athlete{}, TokenResponse{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(athlete.PasswordHash), []byte(req.Password)); err != nil {
		return Athlete{}, TokenResponse{}, ErrInvalidCredentials
	}

	tokens, err := s.GenerateTokens(ctx, athlete.ID)
	if err != nil {
		return Athlete{}, TokenResponse{}, err
	}
	return athlete, tokens, nil
}

func (s *Service) GenerateTokens(ctx context.Context, athleteID string) (TokenResponse, error) {
	access, err := signTokenFn(s, athleteID, accessTokenTTL)
	if err != nil {
		return TokenResponse{}, err
	}

	refresh, err := signTokenFn(s, athleteID, refreshTokenTTL)
	if err != nil {
		return TokenResponse{}, err
	}

	if err := s.saveRefreshToken(ctx, refresh, athleteID, refreshTokenTTL); err != nil {
		return TokenResponse{}, err
	}

	return TokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(accessTokenTTL.Seconds()),
	}, nil
}

// ValidateRefreshToken checks a refresh token and revokes it, so each one can
// be exchanged once.
func (s *Service) ValidateRefreshToken(ctx context.Context, token string) (string, error) {
	claims, err := s.parseToken(token)
	if err != nil {
		return "", err
	}

	athleteID, expiresAt, err := s.lookupRefreshToken(ctx, token)
	if err != nil || athleteID != claims.AthleteID || time.Now().After(expiresAt) {
		return "", errors.New("refresh token invalid")
	}
	if err := s.revokeRefreshToken(ctx, token); err != nil {
		return "", err
	}
	return claims.AthleteID, nil
}

func (s *Service) ValidateAccessToken(token string) (string, error) {
	claims, err := s.parseToken(token)
	if err != nil {
		return "", err
	}
	return claims.AthleteID, nil
}

var (
	signTokenFn       = (*Service).signToken
	hashPasswordFn    = bcrypt.GenerateFromPassword
	parseWithClaimsFn = jwt.ParseWithClaims
)

func (s *Service) signToken(athleteID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		AthleteID: athleteID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *Service) parseToken(token string) (*Claims, error) {
	parsed, err := parseWithClaimsFn(token, &Claims{}, func(_ *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

func refreshKey(token string) string {
	return "refresh:" + token
}

func (s *Service) saveRefreshToken(ctx context.Context, token, athleteID string, ttl time.Duration) error {
	if s.tokens != nil {
		return s.tokens.Set(ctx, refreshKey(token), athleteID, ttl).Err()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO refresh_tokens (id, athlete_id, token, expires_at)
		VALUES ($1,$2,$3,$4)
	`, uuid.NewString(), athleteID, token, time.Now().Add(ttl))
	return err
}

func (s *Service) lookupRefreshToken(ctx context.Context, token string) (string, time.Time, error) {
	if s.tokens != nil {
		key := refreshKey(token)
		athleteID, err := s.tokens.Get(ctx, key).Result()
		if err != nil {
			return "", time.Time{}, err
		}
		ttl, err := s.tokens.TTL(ctx, key).Result()
		if err != nil {
			return "", time.Time{}, err
		}
		return athleteID, time.Now().Add(ttl), nil
	}

	row := s.db.QueryRow(ctx, `
		SELECT athlete_id, expires_at
		FROM refresh_tokens
		WHERE token = $1 AND revoked_at IS NULL
	`, token)
	var athleteID string
	var expiresAt time.Time
	if err := row.Scan(&athleteID, &expiresAt); err != nil {
		return "", time.Time{}, err
	}
	return athleteID, expiresAt, nil
}

func (s *Service) revokeRefreshToken(ctx context.Context, token string) error {
	if s.tokens != nil {
		return s.tokens.Del(ctx, refreshKey(token)).Err()
	}
	_, err := s.db.Exec(ctx, `
		UPDATE refresh_tokens SET revoked_at = now()
		WHERE token = $1
	`, token)
	return err
}
