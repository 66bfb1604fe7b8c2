package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/coldbell/escrow/backend/internal/config"
	"github.com/coldbell/escrow/backend/internal/indexer"
	"github.com/coldbell/escrow/backend/internal/tokens"
	"github.com/gagliardetto/solana-go"
)

// orderStore is the read side of *indexer.Store used by the handlers.
type orderStore interface {
	ListOrders(ctx context.Context, filter indexer.OrderFilter) ([]indexer.OrderRecord, int, int, error)
	GetOrder(ctx context.Context, address string) (indexer.OrderRecord, error)
	ListOrderEvents(ctx context.Context, filter indexer.OrderEventFilter) ([]indexer.OrderEventRecord, int, int, error)
	LatestEventID(ctx context.Context) (int64, error)
	GetSyncState(ctx context.Context) (indexer.SyncState, error)
	Close() error
}

var _ orderStore = (*indexer.Store)(nil)

type Service struct {
	cfg     config.APIServerConfig
	logger  *slog.Logger
	store   orderStore
	tokens  *tokens.Directory
	origins originPolicy
}

func New(cfg config.APIServerConfig, logger *slog.Logger) (*Service, error) {
	directory := tokens.Default()
	if cfg.TokensFile != "" {
		loaded, err := tokens.Load(cfg.TokensFile)
		if err != nil {
			return nil, fmt.Errorf("load token directory: %w", err)
		}
		directory = loaded
	}

	store, err := indexer.NewStore(cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	return newService(cfg, logger, store, directory), nil
}

func newService(cfg config.APIServerConfig, logger *slog.Logger, store orderStore, directory *tokens.Directory) *Service {
	return &Service{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		tokens:  directory,
		origins: newOriginPolicy(cfg.AllowedOrigins),
	}
}

func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close store", "err", err)
		}
	}()

	server := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	s.logger.Info("api-server started",
		"listen_addr", s.cfg.ListenAddr,
		"db_driver", "postgres",
		"allowed_origins", strings.Join(s.cfg.AllowedOrigins, ","),
		"tokens", len(s.tokens.List()),
	)

	select {
	case <-ctx.Done():
		s.logger.Info("api-server stopping")
		if err := server.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("shutdown api-server: %w", err)
		}
		return <-errCh
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	}
}

func (s *Service) routes() http.Handler {
	mux := http.NewServeMux()
	for path, handler := range map[string]http.HandlerFunc{
		"/healthz":             s.handleHealth,
		"/api/v1/orders":       s.handleOrders,
		"/api/v1/orders/":      s.handleOrder,
		"/api/v1/order-events": s.handleOrderEvents,
		"/api/v1/tokens":       s.handleTokens,
		"/ws":                  s.handleWebsocket,
	} {
		mux.Handle(path, s.getOnly(handler))
	}
	return withCORS(s.origins, mux)
}

// getOnly rejects every method but GET. Preflight requests never get here;
// withCORS answers them.
func (s *Service) getOnly(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		next(w, r)
	})
}

type listResponse[T any] struct {
	Items  []T `json:"items"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type healthResponse struct {
	OK       bool   `json:"ok"`
	LastSlot uint64 `json:"last_slot"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// orderView decorates a stored order with token symbols and UI amounts.
type orderView struct {
	indexer.OrderRecord
	MakerSymbol   string `json:"maker_symbol,omitempty"`
	TakerSymbol   string `json:"taker_symbol,omitempty"`
	MakerAmountUI string `json:"maker_amount_ui,omitempty"`
	TakerAmountUI string `json:"taker_amount_ui,omitempty"`
}

func (s *Service) viewOf(record indexer.OrderRecord) orderView {
	view := orderView{OrderRecord: record}
	if token, ok := s.lookupToken(record.MakerMint); ok {
		view.MakerSymbol = token.Symbol
		if units, err := indexer.ParseAmount(record.MakerAmount); err == nil {
			view.MakerAmountUI = token.Format(units)
		}
	}
	if token, ok := s.lookupToken(record.TakerMint); ok {
		view.TakerSymbol = token.Symbol
		if units, err := indexer.ParseAmount(record.TakerAmount); err == nil {
			view.TakerAmountUI = token.Format(units)
		}
	}
	return view
}

func (s *Service) lookupToken(mint string) (tokens.Token, bool) {
	key, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return tokens.Token{}, false
	}
	return s.tokens.ByMint(key)
}

func (s *Service) viewsOf(records []indexer.OrderRecord) []orderView {
	views := make([]orderView, 0, len(records))
	for _, record := range records {
		views = append(views, s.viewOf(record))
	}
	return views
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	state, err := s.store.GetSyncState(r.Context())
	if err != nil {
		s.logger.Error("get sync state failed", "err", err)
		s.respondJSON(w, http.StatusServiceUnavailable, healthResponse{OK: false})
		return
	}
	s.respondJSON(w, http.StatusOK, healthResponse{OK: true, LastSlot: state.LastSlot})
}

func (s *Service) handleOrders(w http.ResponseWriter, r *http.Request) {
	filter, err := s.parseOrderFilter(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, normalizedLimit, normalizedOffset, err := s.store.ListOrders(r.Context(), filter)
	if err != nil {
		s.logger.Error("list orders failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list orders")
		return
	}

	s.respondJSON(w, http.StatusOK, listResponse[orderView]{
		Items:  s.viewsOf(items),
		Limit:  normalizedLimit,
		Offset: normalizedOffset,
	})
}

func (s *Service) parseOrderFilter(r *http.Request) (indexer.OrderFilter, error) {
	query := r.URL.Query()

	maker, err := parseOptionalPubkey(query.Get("maker"), "maker")
	if err != nil {
		return indexer.OrderFilter{}, err
	}

	taker := strings.TrimSpace(query.Get("taker"))
	if taker != "" && taker != indexer.TakerOpen {
		if taker, err = parseOptionalPubkey(taker, "taker"); err != nil {
			return indexer.OrderFilter{}, err
		}
	}

	token := strings.TrimSpace(query.Get("token"))
	if known, ok := s.tokens.BySymbol(token); ok {
		token = known.Mint.String()
	} else if token, err = parseOptionalPubkey(token, "token"); err != nil {
		return indexer.OrderFilter{}, err
	}

	status := strings.ToLower(strings.TrimSpace(query.Get("status")))
	switch status {
	case "", indexer.OrderStatusOpen, indexer.OrderStatusClosed:
	default:
		return indexer.OrderFilter{}, fmt.Errorf("invalid status: must be %s or %s", indexer.OrderStatusOpen, indexer.OrderStatusClosed)
	}

	limit, offset, err := parsePage(r)
	if err != nil {
		return indexer.OrderFilter{}, err
	}

	return indexer.OrderFilter{
		Maker:  maker,
		Taker:  taker,
		Token:  token,
		Status: status,
		Limit:  limit,
		Offset: offset,
	}, nil
}

func (s *Service) handleOrder(w http.ResponseWriter, r *http.Request) {
	raw := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/orders/"), "/")
	address, err := parseOptionalPubkey(raw, "address")
	if err != nil || address == "" {
		s.respondError(w, http.StatusBadRequest, "invalid order address")
		return
	}

	record, err := s.store.GetOrder(r.Context(), address)
	if err != nil {
		if errors.Is(err, indexer.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "order not found")
			return
		}
		s.logger.Error("get order failed", "address", address, "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to get order")
		return
	}
	s.respondJSON(w, http.StatusOK, s.viewOf(record))
}

func (s *Service) handleOrderEvents(w http.ResponseWriter, r *http.Request) {
	order, err := parseOptionalPubkey(r.URL.Query().Get("order"), "order")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset, err := parsePage(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, normalizedLimit, normalizedOffset, err := s.store.ListOrderEvents(r.Context(), indexer.OrderEventFilter{
		Order:  order,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.logger.Error("list order events failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list order events")
		return
	}

	s.respondJSON(w, http.StatusOK, listResponse[indexer.OrderEventRecord]{
		Items:  items,
		Limit:  normalizedLimit,
		Offset: normalizedOffset,
	})
}

func (s *Service) handleTokens(w http.ResponseWriter, r *http.Request) {
	items := s.tokens.List()
	s.respondJSON(w, http.StatusOK, listResponse[tokens.Token]{
		Items:  items,
		Limit:  len(items),
		Offset: 0,
	})
}

// parseOptionalPubkey returns "" for an empty value and the canonical base58
// form otherwise.
func parseOptionalPubkey(raw string, key string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	pk, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return "", fmt.Errorf("invalid %s: %w", key, err)
	}
	return pk.String(), nil
}

// parsePage reads limit and offset. Zero values are normalized by the store.
func parsePage(r *http.Request) (limit, offset int, err error) {
	query := r.URL.Query()
	for _, field := range []struct {
		key string
		dst *int
	}{{"limit", &limit}, {"offset", &offset}} {
		raw := strings.TrimSpace(query.Get(field.key))
		if raw == "" {
			continue
		}
		if *field.dst, err = strconv.Atoi(raw); err != nil {
			return 0, 0, fmt.Errorf("invalid %s: %w", field.key, err)
		}
	}
	return limit, offset, nil
}

func (s *Service) respondError(w http.ResponseWriter, code int, message string) {
	s.respondJSON(w, code, errorResponse{Error: message})
}

func (s *Service) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to write JSON response", "err", err)
	}
}
