package main

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"livebridge/internal/broadcast"
	"livebridge/internal/capture"
	"livebridge/internal/player"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func serveHTTP(addr string) {
	logrus.Infof("Starting HTTP server at %s", addr)
	gin.SetMode(gin.ReleaseMode)

	router := gin.Default()
	router.Use(CORSMiddleware())

	router.POST("/player/create", CreatePlayer)
	router.POST("/player/multi", StartMultiPlayer)
	router.POST("/player/select", SelectPlayer)
	router.POST("/player/start", StartPlayer)
	router.POST("/player/stop", StopPlayer)
	router.POST("/player/dispose", DisposePlayers)
	router.POST("/player/mute", MutePlayer)
	router.POST("/player/pause", PausePlayer)
	router.POST("/player/resume", ResumePlayer)
	router.POST("/player/seek", SeekPlayer)
	router.POST("/player/position", PlayerPosition)
	router.POST("/player/qualities", PlayerQualities)
	router.POST("/player/quality/set", SetPlayerQuality)
	router.POST("/player/quality/auto", TogglePlayerAutoQuality)
	router.POST("/player/quality/isauto", PlayerAutoQuality)
	router.POST("/player/screenshot", PlayerScreenshot)
	router.GET("/player/events", PlayerEvents)

	router.POST("/broadcast/preview/start", SetupBroadcast)
	router.POST("/broadcast/start", StartBroadcast)
	router.POST("/broadcast/stop", StopBroadcast)
	router.POST("/broadcast/camera/zoom", CameraZoom)
	router.POST("/broadcast/camera/zoom/range", CameraZoomRange)
	router.POST("/broadcast/camera/brightness", CameraBrightness)
	router.POST("/broadcast/camera/lens", CameraLens)
	router.POST("/broadcast/camera/lens/list", CameraLensList)
	router.POST("/broadcast/camera/switch", CameraSwitch)
	router.POST("/broadcast/mute", MuteBroadcast)
	router.POST("/broadcast/muted", BroadcastMuted)
	router.POST("/broadcast/focus/mode", CameraFocusMode)
	router.POST("/broadcast/focus/point", CameraFocusPoint)
	router.POST("/broadcast/clip/start", StartClip)
	router.POST("/broadcast/clip/stop", StopClip)
	router.POST("/broadcast/metadata", SendMetadata)
	router.GET("/broadcast/events", BroadcastEvents)

	if err := router.Run(addr); err != nil {
		logrus.Fatalln("Start HTTP Server error", err)
	}
}

func MakeResponse(success bool, code int, data string, c *gin.Context) {
	var state = 1
	if !success {
		state = code
	}
	logrus.Infof("*[Response, Success: (%t), Code: (%d), Msg: (%s)]*", success, code, data)
	c.JSON(http.StatusOK, gin.H{"state": state, "code": data})
}

func MakeDataResponse(data interface{}, c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"state": 1, "code": "ok", "data": data})
}

// failCode picks the response code for a failed operation.
func failCode(err error) int {
	switch {
	case errors.Is(err, player.ErrNoActiveSession):
		return -3
	case errors.Is(err, player.ErrUnknownSession):
		return -4
	case errors.Is(err, capture.ErrNotRunning), errors.Is(err, broadcast.ErrNotCapturing):
		return -6
	case errors.Is(err, broadcast.ErrNoSession):
		return -7
	case errors.Is(err, capture.ErrInvalidArgument), errors.Is(err, broadcast.ErrUnknownLens):
		return -2
	default:
		return -9
	}
}

func fail(err error, c *gin.Context) {
	MakeResponse(false, failCode(err), err.Error(), c)
}

func CreatePlayer(c *gin.Context) {
	id := c.PostForm("id")
	if len(id) == 0 {
		MakeResponse(false, -1, "Missing mandatory field `id`!", c)
		return
	}
	if err := players.Create(id); err != nil {
		fail(err, c)
		return
	}
	MakeResponse(true, 1, "Player "+id+" created", c)
}

func StartMultiPlayer(c *gin.Context) {
	raw := c.PostForm("urls")
	if len(raw) == 0 {
		MakeResponse(false, -1, "Missing mandatory field `urls`!", c)
		return
	}
	var urls []string
	for _, u := range strings.Split(raw, ",") {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	if len(urls) == 0 {
		MakeResponse(false, -1, "No playable URLs given", c)
		return
	}
	if err := players.MultiPlayer(urls); err != nil {
		fail(err, c)
		return
	}
	MakeResponse(true, 1, "Multi player started", c)
}

func SelectPlayer(c *gin.Context) {
	id := c.PostForm("id")
	if len(id) == 0 {
		MakeResponse(false, -1, "Missing mandatory field `id`!", c)
		return
	}
	if err := players.Select(id); err != nil {
		fail(err, c)
		return
	}
	MakeResponse(true, 1, "Player "+id+" selected", c)
}

func StartPlayer(c *gin.Context) {
	url := c.PostForm("url")
	if len(url) == 0 {
		MakeResponse(false, -1, "Missing mandatory field `url`!", c)
		return
	}
	autoPlay, _ := strconv.ParseBool(c.DefaultPostForm("autoplay", "true"))
	if err := players.Start(url, autoPlay); err != nil {
		fail(err, c)
		return
	}
	MakeResponse(true, 1, "Playing "+url, c)
}

func StopPlayer(c *gin.Context) {
	id := c.PostForm("id")
	if len(id) == 0 {
		MakeResponse(false, -1, "Missing mandatory field `id`!", c)
		return
	}
	if err := players.Stop(id); err != nil {
		fail(err, c)
		return
	}
	MakeResponse(true, 1, "Player "+id+" stopped", c)
}

func DisposePlayers(c *gin.Context) {
	players.DisposeAll()
	MakeResponse(true, 1, "All players disposed", c)
}

func MutePlayer(c *gin.Context) {
	if err := players.Mute(c.PostForm("id")); err != nil {
		fail(err, c)
		return
	}
	MakeResponse(true, 1, "Mute toggled", c)
}

func PausePlayer(c *gin.Context) {
	if err := players.Pause(); err != nil {
		fail(err, c)
		return
	}
	MakeResponse(true, 1, "Paused", c)
}

func ResumePlayer(c *gin.Context) {
	if err := players.Resume(); err != nil {
		fail(err, c)
		return
	}
	MakeResponse(true, 1, "Resumed", c)
}

func SeekPlayer(c *gin.Context) {
	seconds, err := strconv.ParseFloat(c.PostForm("position"), 64)
	if err != nil {
		MakeResponse(false, -1, "Invalid `position` field!", c)
		return
	}
	if err := players.Seek(time.Duration(seconds * float64(time.Second))); err != nil {
		fail(err, c)
		return
	}
	MakeResponse(true, 1, "Seeked", c)
}

func PlayerPosition(c *gin.Context) {
	pos, err := players.Position()
	if err != nil {
		fail(err, c)
		return
	}
	MakeDataResponse(strconv.FormatFloat(pos.Seconds(), 'f', 3, 64), c)
}

func PlayerQualities(c *gin.Context) {
	qualities, err := players.Qualities(c.PostForm("id"))
	if err != nil {
		fail(err, c)
		return
	}
	MakeDataResponse(qualities, c)
}

func SetPlayerQuality(c *gin.Context) {
	name := c.PostForm("name")
	if len(name) == 0 {
		MakeResponse(false, -1, "Missing mandatory field `name`!", c)
		return
	}
	if err := players.SetQuality(c.PostForm("id"), name); err != nil {
		fail(err, c)
		return
	}
	MakeResponse(true, 1, "Quality set", c)
}

func TogglePlayerAutoQuality(c *gin.Context) {
	if err := players.ToggleAutoQuality(c.PostForm("id")); err != nil {
		fail(err, c)
		return
	}
	MakeResponse(true, 1, "Auto quality toggled", c)
}

func PlayerAutoQuality(c *gin.Context) {
	auto, err := players.IsAuto(c.PostForm("id"))
	if err != nil {
		fail(err, c)
		return
	}
	MakeDataResponse(auto, c)
}

func PlayerScreenshot(c *gin.Context) {
	url := c.PostForm("url")
	if len(url) == 0 {
		MakeResponse(false, -1, "Missing mandatory field `url`!", c)
		return
	}
	data, err := players.Screenshot(url)
	if err != nil {
		fail(err, c)
		return
	}
	if len(data) == 0 {
		MakeDataResponse(nil, c)
		return
	}
	c.Data(http.StatusOK, "video/h264", data)
}

// PlayerEvents pumps the player event stream over a websocket. When
// the peer goes away all playback sessions are torn down.
func PlayerEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.WithError(err).Warn("player events upgrade failed")
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	events := players.Listen()
	for {
		select {
		case <-done:
			players.DisposeAll()
			return
		case p, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(p); err != nil {
				players.DisposeAll()
				return
			}
		}
	}
}

func SetupBroadcast(c *gin.Context) {
	endpoint := c.PostForm("endpoint")
	if len(endpoint) == 0 {
		MakeResponse(false, -1, "Missing mandatory field `endpoint`!", c)
		return
	}
	key := c.PostForm("key")
	preset := c.DefaultPostForm("preset", "720")
	reconnect, _ := strconv.ParseBool(c.DefaultPostForm("reconnect", "false"))

	caster.Setup(endpoint, key, preset, reconnect)
	if err := caster.StartSession(); err != nil {
		fail(err, c)
		return
	}
	MakeResponse(true, 1, "Preview started", c)
}

func StartBroadcast(c *gin.Context) {
	caster.StartBroadcast()
	MakeResponse(true, 1, "Broadcast starting", c)
}

func StopBroadcast(c *gin.Context) {
	caster.StopBroadcast()
	MakeResponse(true, 1, "Broadcast stopped", c)
}

func CameraZoom(c *gin.Context) {
	factor, err := strconv.ParseFloat(c.PostForm("factor"), 64)
	if err != nil {
		MakeResponse(false, -1, "Invalid `factor` field!", c)
		return
	}
	applied, err := caster.SetZoom(factor)
	if err != nil {
		fail(err, c)
		return
	}
	MakeDataResponse(applied, c)
}

func CameraZoomRange(c *gin.Context) {
	r, err := caster.ZoomRange()
	if err != nil {
		fail(err, c)
		return
	}
	MakeDataResponse(gin.H{"min": r.Min, "max": r.Max}, c)
}

// CameraBrightness sets the exposure bias when a `value` field is
// given, otherwise reports the current range and value.
func CameraBrightness(c *gin.Context) {
	raw := c.PostForm("value")
	if len(raw) == 0 {
		r, value, err := caster.Brightness()
		if err != nil {
			fail(err, c)
			return
		}
		MakeDataResponse(gin.H{"min": r.Min, "max": r.Max, "value": value}, c)
		return
	}

	bias, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		MakeResponse(false, -1, "Invalid `value` field!", c)
		return
	}
	applied, err := caster.SetBrightness(bias)
	if err != nil {
		fail(err, c)
		return
	}
	MakeDataResponse(applied, c)
}

func CameraLens(c *gin.Context) {
	id, err := strconv.Atoi(c.PostForm("id"))
	if err != nil {
		MakeResponse(false, -1, "Invalid `id` field!", c)
		return
	}
	status, err := caster.UpdateLens(id)
	if err != nil {
		fail(err, c)
		return
	}
	MakeResponse(true, 1, status, c)
}

func CameraLensList(c *gin.Context) {
	var names []string
	for _, lens := range caster.AvailableLenses() {
		names = append(names, lens.String())
	}
	MakeDataResponse(names, c)
}

func CameraSwitch(c *gin.Context) {
	pos := capture.Position(c.PostForm("position"))
	if pos != capture.PositionFront && pos != capture.PositionBack {
		MakeResponse(false, -1, "Field `position` must be front or back!", c)
		return
	}
	if err := caster.ChangeCamera(pos); err != nil {
		fail(err, c)
		return
	}
	MakeResponse(true, 1, "Camera switched to "+string(pos), c)
}

func MuteBroadcast(c *gin.Context) {
	muted, err := strconv.ParseBool(c.PostForm("muted"))
	if err != nil {
		MakeResponse(false, -1, "Invalid `muted` field!", c)
		return
	}
	if err := caster.ApplyMute(muted); err != nil {
		fail(err, c)
		return
	}
	MakeResponse(true, 1, "Mute applied", c)
}

func BroadcastMuted(c *gin.Context) {
	muted, err := caster.IsMuted()
	if err != nil {
		fail(err, c)
		return
	}
	MakeDataResponse(muted, c)
}

func CameraFocusMode(c *gin.Context) {
	var mode capture.FocusMode
	switch c.PostForm("mode") {
	case "locked":
		mode = capture.FocusLocked
	case "auto":
		mode = capture.FocusAuto
	case "continuous":
		mode = capture.FocusContinuous
	default:
		MakeResponse(false, -1, "Field `mode` must be locked, auto or continuous!", c)
		return
	}
	if err := caster.SetFocusMode(mode); err != nil {
		fail(err, c)
		return
	}
	MakeResponse(true, 1, "Focus mode set", c)
}

func CameraFocusPoint(c *gin.Context) {
	x, errX := strconv.ParseFloat(c.PostForm("x"), 64)
	y, errY := strconv.ParseFloat(c.PostForm("y"), 64)
	if errX != nil || errY != nil {
		MakeResponse(false, -1, "Fields `x` and `y` must be numbers in [0, 1]!", c)
		return
	}
	if err := caster.SetFocusPoint(x, y); err != nil {
		fail(err, c)
		return
	}
	MakeResponse(true, 1, "Focus point set", c)
}

func StartClip(c *gin.Context) {
	seconds, err := strconv.ParseFloat(c.DefaultPostForm("seconds", "10"), 64)
	if err != nil || seconds <= 0 {
		MakeResponse(false, -1, "Invalid `seconds` field!", c)
		return
	}
	if err := caster.CaptureClip(seconds); err != nil {
		fail(err, c)
		return
	}
	MakeResponse(true, 1, "Clip recording", c)
}

func StopClip(c *gin.Context) {
	caster.StopClip()
	MakeResponse(true, 1, "Clip stopped", c)
}

func SendMetadata(c *gin.Context) {
	text := c.PostForm("text")
	if len(text) == 0 {
		MakeResponse(false, -1, "Missing mandatory field `text`!", c)
		return
	}
	if err := caster.SendTimedMetadata(text); err != nil {
		fail(err, c)
		return
	}
	MakeResponse(true, 1, "Metadata sent", c)
}

// BroadcastEvents pumps the coordinator event stream over a
// websocket.
func BroadcastEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.WithError(err).Warn("broadcast events upgrade failed")
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	events := caster.Listen()
	for {
		select {
		case <-done:
			return
		case p, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(p); err != nil {
				return
			}
		}
	}
}

func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, Authorization, x-access-token")
		c.Header("Access-Control-Expose-Headers", "Content-Length, Access-Control-Allow-Origin, Access-Control-Allow-Headers, Cache-Control, Content-Language, Content-Type")
		c.Header("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
