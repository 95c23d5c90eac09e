package router

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"wms_resolver/internal/config"
	"wms_resolver/internal/engine"
	"wms_resolver/internal/middleware"
	"wms_resolver/internal/model"
	"wms_resolver/internal/reconcile"
	"wms_resolver/internal/worker"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Setup 注册全部 HTTP 路由。rdb 为空时不启用提交限流。
func Setup(r *gin.Engine, eng *engine.Engine, db *gorm.DB, rdb *rd.Client, cfg config.AppConfig, logger *logrus.Logger) {
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})
	r.GET("/health", health(db, rdb))

	// Tickets
	submit := []gin.HandlerFunc{submitTicket(eng, logger)}
	if rdb != nil {
		submit = append([]gin.HandlerFunc{middleware.SubmitRateLimit(rdb, cfg.SubmitRateLimit, cfg.SubmitRateWindow)}, submit...)
	}
	r.POST("/api/tickets", submit...)
	r.GET("/api/tickets", listTickets(eng))
	r.GET("/api/tickets/:id", getTicket(eng))
	r.GET("/api/tickets/:id/transitions", getTransitions(eng))
	r.GET("/api/tickets/:id/requests", getRequests(eng))

	// 外部系统回传
	ops := r.Group("/api/tickets/:id", middleware.RequireOpsToken(cfg.OpsToken))
	ops.POST("/response", postResponse(eng))
	ops.POST("/reconciliation", uploadReconciliation(eng))
	ops.GET("/reconciliation/template", reconciliationTemplate(eng))

	// Consistency（只读）
	r.GET("/api/consistency/shipments/:id", checkShipment(eng))
	r.GET("/api/consistency/orders/:id", checkOrder(eng))
	r.GET("/api/consistency/orders/:id/quantities", compareQuantities(eng))
	r.GET("/api/consistency/orders/:id/diff", diffUnits(eng))
	r.GET("/api/consistency/units/:id", checkUnit(eng))
}

// health 检查数据库与 Redis 连通性。
func health(db *gorm.DB, rdb *rd.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := gin.H{"db": "ok"}
		code := http.StatusOK
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			status["db"] = err.Error()
			code = http.StatusServiceUnavailable
		}
		if rdb != nil {
			if err := rdb.Ping(ctx).Err(); err != nil {
				status["redis"] = err.Error()
			} else {
				status["redis"] = "ok"
			}
		}
		c.JSON(code, gin.H{"code": 0, "data": status})
	}
}

// submitTicket 提交工单，异步推进。
func submitTicket(eng *engine.Engine, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in engine.TicketInput
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		t, err := eng.Submit(c.Request.Context(), in)
		if err != nil && t.TicketID != "" {
			// 已落库但入队失败：清扫任务会重新入队
			config.LogError(logger, "router", "submitTicket", "enqueue ticket", t.TicketID, err)
			c.JSON(http.StatusAccepted, gin.H{"code": 0, "msg": "ticket stored, processing delayed", "data": t})
			return
		}
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": t})
	}
}

func listTickets(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		f := engine.ListFilter{
			State:       model.TicketState(c.Query("state")),
			UserContact: c.Query("user_contact"),
		}
		var err error
		if f.Limit, err = queryInt(c, "limit"); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		if f.Offset, err = queryInt(c, "offset"); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		list, err := eng.ListTickets(c.Request.Context(), f)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": list})
	}
}

func getTicket(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, err := eng.GetTicket(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": t})
	}
}

func getTransitions(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		logs, err := eng.Transitions(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": logs})
	}
}

func getRequests(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		reqs, err := eng.Requests(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": reqs})
	}
}

// postResponse JSON 回传：修正行或仅确认。
func postResponse(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var resp engine.Response
		if err := c.ShouldBindJSON(&resp); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		applyResponse(c, eng, resp)
	}
}

// uploadReconciliation 上传 SAP 修正表（xlsx，表单字段 file）。
func uploadReconciliation(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		fh, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "file is required"})
			return
		}
		f, err := fh.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		defer f.Close()

		rows, err := reconcile.ParseXLSX(f)
		if err != nil {
			writeError(c, err)
			return
		}
		applyResponse(c, eng, engine.Response{RequestID: c.PostForm("request_id"), Rows: rows})
	}
}

func applyResponse(c *gin.Context, eng *engine.Engine, resp engine.Response) {
	id := c.Param("id")
	if err := eng.HandleResponse(c.Request.Context(), id, resp); err != nil {
		writeError(c, err)
		return
	}
	t, err := eng.GetTicket(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": t})
}

// reconciliationTemplate 按当前 pending 请求预填修正表，供外部团队回填数量。
func reconciliationTemplate(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		t, err := eng.GetTicket(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		reqs, err := eng.Requests(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		var rows []model.CorrectionRow
		for _, req := range reqs {
			if req.Status != model.RequestPending {
				continue
			}
			rows = append(rows, prefill(t, req.Payload)...)
		}
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s_correction.xlsx"`, id))
		c.Header("Content-Type", xlsxContentType)
		if err := reconcile.WriteXLSX(c.Writer, rows); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
		}
	}
}

func prefill(t model.Ticket, targets []model.RequestTarget) []model.CorrectionRow {
	row := model.CorrectionRow{OrderID: t.ScopeOrder(), ShipmentID: t.ScopeShipment(), UnitID: t.ScopeUnit()}
	for _, target := range targets {
		switch target.Kind {
		case model.KindUnit:
			row.UnitID = target.Value
		case model.KindOrder:
			row.OrderID = target.Value
		case model.KindShipment:
			row.ShipmentID = target.Value
		}
	}
	return []model.CorrectionRow{row}
}

func checkShipment(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := validParam(c, model.KindShipment)
		if !ok {
			return
		}
		res, err := eng.Checker().CheckShipment(c.Request.Context(), id)
		respond(c, res, err)
	}
}

func checkOrder(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := validParam(c, model.KindOrder)
		if !ok {
			return
		}
		res, err := eng.Checker().CheckOrder(c.Request.Context(), id)
		respond(c, res, err)
	}
}

func compareQuantities(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := validParam(c, model.KindOrder)
		if !ok {
			return
		}
		res, err := eng.Checker().CompareQuantities(c.Request.Context(), id)
		respond(c, res, err)
	}
}

func diffUnits(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := validParam(c, model.KindOrder)
		if !ok {
			return
		}
		res, err := eng.Checker().DiffUnits(c.Request.Context(), id)
		respond(c, res, err)
	}
}

// checkUnit 可选 query：order_id / shipment_id 限定范围。
func checkUnit(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := validParam(c, model.KindUnit)
		if !ok {
			return
		}
		orderID, shipmentID := c.Query("order_id"), c.Query("shipment_id")
		if (orderID != "" && !model.ValidOrderID(orderID)) || (shipmentID != "" && !model.ValidShipmentID(shipmentID)) {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "invalid order_id or shipment_id"})
			return
		}
		res, err := eng.Checker().CheckUnit(c.Request.Context(), id, orderID, shipmentID)
		respond(c, res, err)
	}
}

func validParam(c *gin.Context, kind model.IDKind) (string, bool) {
	id := c.Param("id")
	if !model.ValidID(kind, id) {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": fmt.Sprintf("invalid %s %q", kind, id)})
		return "", false
	}
	return id, true
}

func respond(c *gin.Context, data any, err error) {
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": data})
}

// writeError 将领域错误映射为 HTTP 状态码。
func writeError(c *gin.Context, err error) {
	var fe *reconcile.FormatError
	switch {
	case errors.As(err, &fe):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"code": 422, "msg": fe.Error(), "data": gin.H{
			"row": fe.Row, "field": fe.Field, "value": fe.Value, "rule": fe.Rule,
		}})
	case errors.Is(err, engine.ErrTicketNotFound):
		c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": err.Error()})
	case errors.Is(err, engine.ErrInvalidInput), errors.Is(err, engine.ErrEmptyResponse):
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
	case errors.Is(err, engine.ErrNotAwaiting), errors.Is(err, engine.ErrRequestMismatch),
		errors.Is(err, engine.ErrDuplicateTicket), errors.Is(err, engine.ErrStaleTicket),
		errors.Is(err, worker.ErrLeaseHeld):
		c.JSON(http.StatusConflict, gin.H{"code": 409, "msg": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
	}
}

func queryInt(c *gin.Context, key string) (int, error) {
	v := c.Query(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}
