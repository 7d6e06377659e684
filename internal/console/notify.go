package console

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	notifyDest      = "org.freedesktop.Notifications"
	notifyPath      = dbus.ObjectPath("/org/freedesktop/Notifications")
	notifyMethod    = notifyDest + ".Notify"
	notifyTimeoutMs = int32(3000)
)

// DBusNotifier shows markers as desktop notifications through
// org.freedesktop.Notifications on the session bus. Successive markers
// replace the previous bubble.
type DBusNotifier struct {
	conn    *dbus.Conn
	obj     dbus.BusObject
	appName string

	mu       sync.Mutex
	replaces uint32
}

// NewDBusNotifier opens a private session bus connection.
func NewDBusNotifier(appName string) (*DBusNotifier, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}
	return newDBusNotifier(conn, appName), nil
}

func newDBusNotifier(conn *dbus.Conn, appName string) *DBusNotifier {
	return &DBusNotifier{
		conn:    conn,
		obj:     conn.Object(notifyDest, notifyPath),
		appName: appName,
	}
}

// Notify implements Notifier.
func (n *DBusNotifier) Notify(ctx context.Context, summary, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	call := n.obj.CallWithContext(ctx, notifyMethod, 0,
		n.appName,
		n.replaces,
		"",
		summary,
		body,
		[]string{},
		map[string]dbus.Variant{"transient": dbus.MakeVariant(true)},
		notifyTimeoutMs,
	)
	if call.Err != nil {
		return fmt.Errorf("notify: %w", call.Err)
	}
	var id uint32
	if err := call.Store(&id); err != nil {
		return fmt.Errorf("notify reply: %w", err)
	}
	n.replaces = id
	return nil
}

// Close closes the bus connection.
func (n *DBusNotifier) Close() error {
	return n.conn.Close()
}
