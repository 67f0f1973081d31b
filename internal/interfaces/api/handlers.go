package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"kwrelay/internal/application/usecase/relay"
	"kwrelay/internal/domain/model"
)

var (
	errCacheDisabled = errors.New("market cache disabled")
	errCacheMiss     = errors.New("no cached record")
)

// ========== 请求体 ==========

type subscribeBody struct {
	GroupNo   model.GroupID `json:"group_no"`
	Items     []string      `json:"items"`
	DataTypes []string      `json:"data_types"`
	Refresh   *bool         `json:"refresh"`
}

type searchBody struct {
	Seq        model.GroupID `json:"seq"`
	MarketType string        `json:"market_type"`
	ContYN     string        `json:"cont_yn"`
	NextKey    string        `json:"next_key"`
}

type realtimeBody struct {
	MarketType string `json:"market_type"`
}

// ========== 响应 ==========

func success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"status": "success", "data": data})
}

func fail(c *gin.Context, err error) {
	c.AbortWithStatusJSON(statusFor(err), gin.H{"status": "error", "message": err.Error()})
}

// statusFor 错误到 HTTP 状态码的映射
func statusFor(err error) int {
	switch {
	case errors.Is(err, relay.ErrNotConnected), errors.Is(err, errCacheDisabled):
		return http.StatusServiceUnavailable
	case errors.Is(err, relay.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, relay.ErrDuplicateTag):
		return http.StatusConflict
	case errors.Is(err, relay.ErrCorrelationTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, relay.ErrNotDelivered):
		return http.StatusBadGateway
	case errors.Is(err, errCacheMiss):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) requireUpstream(c *gin.Context) {
	if !s.relay.Connected() {
		fail(c, relay.ErrNotConnected)
		return
	}
	c.Next()
}

// ========== 状态 ==========

func (s *Server) health(c *gin.Context) {
	st := s.relay.Status()
	c.JSON(http.StatusOK, gin.H{
		"status":             "ok",
		"upstream_state":     st.Upstream.State,
		"upstream_connected": st.Upstream.Connected,
	})
}

func (s *Server) status(c *gin.Context) {
	success(c, s.relay.Status())
}

// ========== 实时行情订阅 ==========

func (s *Server) subscribePrice(c *gin.Context) {
	var body subscribeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, invalid(err))
		return
	}
	group := body.GroupNo.String()
	if group == "" {
		group = "1"
	}
	kinds := body.DataTypes
	if len(kinds) == 0 {
		kinds = []string{model.KindOrderBook.Code()}
	}

	delivered, err := s.relay.RegisterInstruments(c.Request.Context(), relay.RegisterRequest{
		Group:   group,
		Items:   body.Items,
		Kinds:   kinds,
		Refresh: body.Refresh == nil || *body.Refresh,
	})
	if err == nil && !delivered {
		err = relay.ErrNotDelivered
	}
	if err != nil {
		fail(c, err)
		return
	}
	success(c, gin.H{"group_no": group, "items": body.Items, "data_types": kinds})
}

func (s *Server) unsubscribePrice(c *gin.Context) {
	var body subscribeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, invalid(err))
		return
	}
	group := body.GroupNo.String()
	if group == "" {
		group = "1"
	}

	var (
		delivered bool
		err       error
	)
	if len(body.Items) == 0 {
		delivered, err = s.relay.UnregisterGroup(c.Request.Context(), group)
	} else {
		delivered, err = s.relay.UnregisterInstruments(c.Request.Context(), group, body.Items, body.DataTypes)
	}
	if err == nil && !delivered {
		err = relay.ErrNotDelivered
	}
	if err != nil {
		fail(c, err)
		return
	}
	success(c, gin.H{"group_no": group, "items": body.Items, "data_types": body.DataTypes})
}

func (s *Server) unregisterGroup(c *gin.Context) {
	group := c.Param("group_no")
	delivered, err := s.relay.UnregisterGroup(c.Request.Context(), group)
	if err == nil && !delivered {
		err = relay.ErrNotDelivered
	}
	if err != nil {
		fail(c, err)
		return
	}
	success(c, gin.H{"group_no": group})
}

// ========== 条件检索 ==========

func (s *Server) conditionList(c *gin.Context) {
	f, err := s.relay.ConditionList(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	success(c, f)
}

func (s *Server) conditionSearch(c *gin.Context) {
	var body searchBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, invalid(err))
		return
	}
	f, err := s.relay.ConditionSearch(c.Request.Context(), relay.ConditionQuery{
		Seq:        body.Seq.String(),
		MarketType: body.MarketType,
		ContYN:     body.ContYN,
		NextKey:    body.NextKey,
	})
	if err != nil {
		fail(c, err)
		return
	}
	success(c, f)
}

func (s *Server) conditionRealtime(c *gin.Context) {
	var body realtimeBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			fail(c, invalid(err))
			return
		}
	}
	f, err := s.relay.StartRealtimeCondition(c.Request.Context(), c.Param("seq"), body.MarketType)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, f)
}

func (s *Server) conditionCancel(c *gin.Context) {
	f, err := s.relay.CancelRealtimeCondition(c.Request.Context(), c.Param("seq"))
	if err != nil {
		fail(c, err)
		return
	}
	success(c, f)
}

// ========== 行情缓存 ==========

func (s *Server) marketLatest(c *gin.Context) {
	if s.market == nil {
		fail(c, errCacheDisabled)
		return
	}
	code := strings.ToUpper(c.Param("kind"))
	entry, ok, err := s.market.Latest(c.Request.Context(), code, c.Param("item"))
	if err != nil {
		fail(c, err)
		return
	}
	if !ok {
		fail(c, errCacheMiss)
		return
	}
	success(c, entry)
}

func (s *Server) marketRecent(c *gin.Context) {
	if s.market == nil {
		fail(c, errCacheDisabled)
		return
	}
	n := s.recentDefault
	if raw := c.Query("count"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			fail(c, invalid(errors.New("count must be a positive integer")))
			return
		}
		n = v
	}
	code := strings.ToUpper(c.Param("kind"))
	entries, err := s.market.Recent(c.Request.Context(), code, c.Param("item"), n)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, entries)
}

func invalid(err error) error {
	return errors.Join(relay.ErrInvalidRequest, err)
}
