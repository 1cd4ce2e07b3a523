package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/callbridge/internal/config"
	"firestige.xyz/callbridge/internal/utils"
)

const (
	uiPollInterval = 100 * time.Millisecond
	keycodeBack    = "4"
	keycodeEndCall = "KEYCODE_ENDCALL"
)

var phonePattern = regexp.MustCompile(`^\+\d{6,15}$`)

// contactScript inserts the callee into the contacts provider unless a phone
// row already exists, then restarts the app so it syncs the new contact.
const contactScript = `set -e
NAME="%[1]s"
PHONE="%[2]s"
exists=$(content query --uri content://com.android.contacts/data --projection data1 --where "data1 LIKE '%%$PHONE%%' AND mimetype='vnd.android.cursor.item/phone_v2'" 2>&1)
if echo "$exists" | grep -q "Error"; then
  echo "query error: $exists"
  exit 1
fi
if ! echo "$exists" | grep -q "Row:.*data1=$PHONE"; then
  content insert --uri content://com.android.contacts/raw_contacts --bind account_type:s:com.android.localprofile --bind account_name:s:Local
  RAW_ID=$(content query --uri content://com.android.contacts/raw_contacts --projection _id | tail -n1 | sed -En 's/.*_id=([0-9]+).*/\1/p')
  if [ -z "$RAW_ID" ]; then
    echo "raw contact id not found"
    exit 1
  fi
  content insert --uri content://com.android.contacts/data --bind raw_contact_id:i:$RAW_ID --bind mimetype:s:vnd.android.cursor.item/structured_name --bind data1:s:"$NAME"
  content insert --uri content://com.android.contacts/data --bind raw_contact_id:i:$RAW_ID --bind mimetype:s:vnd.android.cursor.item/phone_v2 --bind data1:s:"$PHONE" --bind data2:i:2
fi
am force-stop %[3]s
sleep 0.3
am start -n %[3]s/%[4]s
`

// ADBController implements Controller over adb for Telegram.
type ADBController struct {
	cfg    config.DeviceConfig
	runner utils.Runner

	seq   atomic.Uint64
	mu    sync.Mutex
	calls map[string]*callMonitor
}

// NewADBController creates a controller. A nil runner selects ExecRunner.
func NewADBController(cfg config.DeviceConfig, runner utils.Runner) *ADBController {
	if runner == nil {
		runner = utils.ExecRunner{}
	}
	return &ADBController{
		cfg:    cfg,
		runner: runner,
		calls:  make(map[string]*callMonitor),
	}
}

func (c *ADBController) client(serial string) *adbClient {
	if serial == "" {
		serial = c.cfg.Serial
	}
	return &adbClient{
		runner:  c.runner,
		path:    c.cfg.ADBPath,
		serial:  serial,
		timeout: c.cfg.CommandTimeout,
	}
}

// PlaceCall provisions the contact, resolves the callee's messaging user id,
// opens the chat and taps the call button.
func (c *ADBController) PlaceCall(ctx context.Context, target Target) (*Handle, error) {
	if !phonePattern.MatchString(target.Phone) {
		return nil, fmt.Errorf("phone %q: %w", target.Phone, ErrInvalidTarget)
	}
	name := target.ContactName
	if name == "" {
		name = target.Phone
	}
	if strings.ContainsAny(name, "\"$`\\\n") {
		return nil, fmt.Errorf("contact name %q: %w", name, ErrInvalidTarget)
	}

	serial := target.Serial
	if serial == "" {
		serial = c.cfg.Serial
	}
	adb := c.client(serial)
	log := slog.With("serial", serial, "phone", target.Phone)

	out, err := adb.run(ctx, "", "get-state")
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(out) != "device" {
		return nil, fmt.Errorf("adb state %q: %w", strings.TrimSpace(out), ErrUnreachable)
	}

	if c.cfg.Root {
		if err := c.ensureRoot(ctx, adb); err != nil {
			return nil, err
		}
	}

	log.Debug("provisioning contact", "contact", name)
	script := fmt.Sprintf(contactScript, name, target.Phone, c.cfg.Package, c.cfg.Activity)
	if _, err := adb.shellScript(ctx, script); err != nil {
		return nil, fmt.Errorf("provision contact: %w", err)
	}

	uid, err := c.lookupUserID(ctx, adb, target.Phone)
	if err != nil {
		return nil, err
	}
	log.Debug("resolved messaging user", "uid", uid)

	if _, err := adb.run(ctx, "", "logcat", "-c"); err != nil {
		return nil, fmt.Errorf("clear logcat: %w", err)
	}
	// the stream outlives PlaceCall and is closed by EndCall
	args := append([]string{"logcat", "-v", "time", "-s"}, logcatTags...)
	stream, err := adb.stream(context.Background(), args...)
	if err != nil {
		return nil, err
	}

	h := &Handle{
		ID:       fmt.Sprintf("%s-%d", serial, c.seq.Add(1)),
		Serial:   serial,
		Target:   Target{Phone: target.Phone, ContactName: name, Serial: serial},
		PlacedAt: time.Now(),
	}
	c.mu.Lock()
	c.calls[h.ID] = newCallMonitor(h.ID, stream)
	c.mu.Unlock()

	if err := c.openChatAndCall(ctx, adb, uid); err != nil {
		return h, err
	}
	log.Info("device call placed", "handle", h.ID)
	return h, nil
}

// PollState returns the state folded from the call's logcat stream.
func (c *ADBController) PollState(_ context.Context, h *Handle) (CallState, error) {
	if h == nil {
		return StateIdle, nil
	}
	c.mu.Lock()
	mon, ok := c.calls[h.ID]
	c.mu.Unlock()
	if !ok {
		return StateEnded, nil
	}
	return mon.State()
}

// EndCall taps the end-call control if visible, otherwise sends KEYCODE_ENDCALL.
// Calling it again for the same handle is a no-op.
func (c *ADBController) EndCall(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	c.mu.Lock()
	mon, ok := c.calls[h.ID]
	delete(c.calls, h.ID)
	c.mu.Unlock()
	if !ok {
		return nil
	}

	adb := c.client(h.Serial)
	var errs []error
	if pt, err := c.findElement(ctx, adb, c.cfg.EndCallLabel); err == nil {
		if _, err := adb.shell(ctx, "input", "tap", strconv.Itoa(pt.X), strconv.Itoa(pt.Y)); err != nil {
			errs = append(errs, err)
		}
	} else if _, err := adb.shell(ctx, "input", "keyevent", keycodeEndCall); err != nil {
		errs = append(errs, err)
	}
	if err := mon.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close logcat: %w", err))
	}
	return errors.Join(errs...)
}

// Close ends the monitors of all calls still tracked.
func (c *ADBController) Close() error {
	c.mu.Lock()
	calls := c.calls
	c.calls = make(map[string]*callMonitor)
	c.mu.Unlock()

	var errs []error
	for _, mon := range calls {
		if err := mon.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *ADBController) ensureRoot(ctx context.Context, adb *adbClient) error {
	out, err := adb.shell(ctx, "id")
	if err != nil {
		return err
	}
	if strings.Contains(out, "uid=0(root)") {
		return nil
	}
	slog.Info("restarting adbd as root", "serial", adb.serial)
	if _, err := adb.run(ctx, "", "root"); err != nil {
		return err
	}
	_, err = adb.run(ctx, "", "wait-for-device")
	return err
}

// lookupUserID polls the app cache database until the callee's user id shows up.
func (c *ADBController) lookupUserID(ctx context.Context, adb *adbClient, phone string) (string, error) {
	deadline := time.Now().Add(c.cfg.UIDLookupTimeout)
	for {
		uid, err := c.queryUserID(ctx, adb, phone)
		if err != nil && !errors.Is(err, ErrCommandFailed) {
			return "", err
		}
		if uid != "" {
			return uid, nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("no messaging account for %s: %w", phone, ErrInvalidTarget)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.cfg.UIDLookupInterval):
		}
	}
}

func (c *ADBController) queryUserID(ctx context.Context, adb *adbClient, phone string) (string, error) {
	db := "/data/data/" + c.cfg.Package + "/files/cache4.db"
	queries := []string{
		fmt.Sprintf("SELECT uid FROM users WHERE name = '%s'", phone),
		fmt.Sprintf("SELECT uid FROM users WHERE name LIKE '%%%s%%'", strings.TrimPrefix(phone, "+")),
	}
	for _, q := range queries {
		out, err := adb.shell(ctx, fmt.Sprintf(`echo "%s" | sqlite3 %s`, q, db))
		if err != nil {
			return "", err
		}
		if uid := firstNumericLine(out); uid != "" {
			return uid, nil
		}
	}
	return "", nil
}

func firstNumericLine(out string) string {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if _, err := strconv.ParseUint(line, 10, 64); err == nil {
			return line
		}
		return ""
	}
	return ""
}

func (c *ADBController) openChatAndCall(ctx context.Context, adb *adbClient, uid string) error {
	_, err := adb.shell(ctx, "am", "start",
		"-n", c.cfg.Package+"/"+c.cfg.Activity,
		"-a", "com.tmessages.openchat",
		"--el", "userId", uid,
		"--ez", "startInBubble", "false",
		"--ez", "open_keyboard", "true")
	if err != nil {
		return fmt.Errorf("open chat: %w", err)
	}

	// the keyboard opened by the chat intent can cover the call button
	if out, err := adb.shell(ctx, "dumpsys", "input_method"); err == nil && strings.Contains(out, "mInputShown=true") {
		if _, err := adb.shell(ctx, "input", "keyevent", keycodeBack); err != nil {
			return err
		}
	}

	pt, err := c.waitForElement(ctx, adb, c.cfg.CallLabel)
	if err != nil {
		return err
	}
	if _, err := adb.shell(ctx, "input", "tap", strconv.Itoa(pt.X), strconv.Itoa(pt.Y)); err != nil {
		return fmt.Errorf("tap call: %w", err)
	}

	out, err := adb.shell(ctx, "dumpsys", "window", "windows")
	if err != nil {
		return err
	}
	if !strings.Contains(out, c.cfg.Package) {
		return fmt.Errorf("%s lost focus after tapping call: %w", c.cfg.Package, ErrAppNotRunning)
	}
	return nil
}

// waitForElement polls UI dumps until label appears or the UI timeout expires.
func (c *ADBController) waitForElement(ctx context.Context, adb *adbClient, label string) (point, error) {
	deadline := time.Now().Add(c.cfg.UITimeout)
	for {
		pt, err := c.findElement(ctx, adb, label)
		if err == nil {
			return pt, nil
		}
		if errors.Is(err, ErrUnreachable) || errors.Is(err, ErrCommandTimeout) || ctx.Err() != nil {
			return point{}, err
		}
		if time.Now().After(deadline) {
			return point{}, fmt.Errorf("%q control not shown: %w", label, ErrAppNotRunning)
		}
		select {
		case <-ctx.Done():
			return point{}, ctx.Err()
		case <-time.After(uiPollInterval):
		}
	}
}

func (c *ADBController) findElement(ctx context.Context, adb *adbClient, label string) (point, error) {
	out, err := adb.run(ctx, "", "exec-out", "uiautomator", "dump", "/dev/tty")
	if err != nil {
		return point{}, err
	}
	dump, ok := extractHierarchy(out)
	if !ok {
		return point{}, fmt.Errorf("empty ui dump")
	}
	return findElementCenter(dump, label)
}
