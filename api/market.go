package api

import (
	"reflect"
	"strings"

	"github.com/Aidin1998/pincex_marketgw/api/responses"
	"github.com/Aidin1998/pincex_marketgw/internal/infrastructure/ratelimit"
	"github.com/Aidin1998/pincex_marketgw/internal/marketdata/analytics"
	apperrors "github.com/Aidin1998/pincex_marketgw/pkg/errors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

type orderBookQuery struct {
	Depth *int `form:"depth" validate:"omitempty,min=1"`
}

type tickersQuery struct {
	Symbols string `form:"symbols" validate:"max=512"`
}

type indicatorQuery struct {
	Type   string `form:"type" validate:"required"`
	Period *int   `form:"period" validate:"omitempty,min=1"`
}

// bindQuery decodes and validates query parameters into out.
func (s *Server) bindQuery(c *gin.Context, out interface{}) error {
	if err := c.ShouldBindQuery(out); err != nil {
		return apperrors.InvalidInput("malformed query parameters").Wrap(err)
	}
	if err := s.validate.Struct(out); err != nil {
		return validationError(out, err)
	}
	return nil
}

// validationError reports the first failing field by its query name.
func validationError(target interface{}, err error) error {
	var verrs validator.ValidationErrors
	if !apperrors.As(err, &verrs) || len(verrs) == 0 {
		return apperrors.InvalidInput("invalid query parameters").Wrap(err)
	}
	fe := verrs[0]
	name := strings.ToLower(fe.Field())
	if t := reflect.TypeOf(target); t.Kind() == reflect.Ptr {
		if f, ok := t.Elem().FieldByName(fe.StructField()); ok {
			if tag := f.Tag.Get("form"); tag != "" {
				name = tag
			}
		}
	}
	switch fe.Tag() {
	case "required":
		return apperrors.InvalidInput("%s is required", name).WithDetail("field", name)
	case "min", "max":
		return apperrors.InvalidInput("%s violates %s=%s", name, fe.Tag(), fe.Param()).WithDetail("field", name)
	default:
		return apperrors.InvalidInput("%s is invalid", name).WithDetail("field", name)
	}
}

func intOrZero(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}

// getOrderBook returns the order book of a symbol.
func (s *Server) getOrderBook(c *gin.Context) {
	var q orderBookQuery
	if err := s.bindQuery(c, &q); err != nil {
		responses.Fail(c, err)
		return
	}
	depth, err := s.market.ValidateDepth(intOrZero(q.Depth))
	if err != nil {
		responses.Fail(c, err)
		return
	}

	book, err := s.market.OrderBook(c.Request.Context(), c.Param("symbol"), depth, c.GetString(ratelimit.UserIDKey))
	if err != nil {
		responses.Fail(c, err)
		return
	}
	responses.MarkStale(c, book.Stale)
	responses.Success(c, book)
}

// getDepthChart returns cumulative depth for charting.
func (s *Server) getDepthChart(c *gin.Context) {
	chart, err := s.market.DepthChart(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		responses.Fail(c, err)
		return
	}
	responses.MarkStale(c, chart.Stale)
	responses.Success(c, chart)
}

func (s *Server) getTicker(c *gin.Context) {
	ticker, err := s.market.Ticker(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		responses.Fail(c, err)
		return
	}
	responses.MarkStale(c, ticker.Stale)
	responses.Success(c, ticker)
}

// getTickers returns tickers for a comma separated symbol list, or every
// supported symbol when the list is empty.
func (s *Server) getTickers(c *gin.Context) {
	var q tickersQuery
	if err := s.bindQuery(c, &q); err != nil {
		responses.Fail(c, err)
		return
	}

	tickers, err := s.market.Tickers(c.Request.Context(), analytics.ParseSymbolList(q.Symbols))
	if err != nil {
		responses.Fail(c, err)
		return
	}
	for _, t := range tickers {
		responses.MarkStale(c, t.Stale)
	}
	responses.Success(c, tickers)
}

func (s *Server) getStatistics(c *gin.Context) {
	stats, err := s.market.Statistics24h(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		responses.Fail(c, err)
		return
	}
	responses.MarkStale(c, stats.Stale)
	responses.Success(c, stats)
}

// getIndicator returns an indicator series. MACD ignores period.
func (s *Server) getIndicator(c *gin.Context) {
	var q indicatorQuery
	if err := s.bindQuery(c, &q); err != nil {
		responses.Fail(c, err)
		return
	}
	typ, err := analytics.ParseIndicatorType(q.Type)
	if err != nil {
		responses.Fail(c, err)
		return
	}

	series, err := s.market.Indicator(c.Request.Context(), c.Param("symbol"), typ, intOrZero(q.Period))
	if err != nil {
		responses.Fail(c, err)
		return
	}
	responses.MarkStale(c, series.Stale)
	responses.Success(c, series)
}
