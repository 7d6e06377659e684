package keystroke

import (
	"bufio"
	"io"
	"path"
	"regexp"
	"strconv"
	"strings"
)

// KeyboardDevice describes a keyboard found in the input device table.
type KeyboardDevice struct {
	VendorID   uint16 `json:"vendor_id"`
	ProductID  uint16 `json:"product_id"`
	VersionNum uint16 `json:"version_num,omitempty"`

	Name string `json:"name"`
	Phys string `json:"phys,omitempty"`

	// EventPath is the character device to read, e.g. /dev/input/event3.
	EventPath string `json:"event_path"`

	ConnectionType ConnectionType `json:"connection_type"`
}

// ConnectionType indicates how the keyboard is connected.
type ConnectionType int

const (
	ConnectionUnknown   ConnectionType = iota
	ConnectionUSB                      // USB wired
	ConnectionBluetooth                // Bluetooth wireless
	ConnectionPS2                      // PS/2 (i8042)
	ConnectionInternal                 // Built-in laptop keyboard
	ConnectionVirtual                  // uinput or other software device
)

// String returns the connection type as a string.
func (ct ConnectionType) String() string {
	switch ct {
	case ConnectionUSB:
		return "USB"
	case ConnectionBluetooth:
		return "Bluetooth"
	case ConnectionPS2:
		return "PS/2"
	case ConnectionInternal:
		return "Internal"
	case ConnectionVirtual:
		return "Virtual"
	default:
		return "Unknown"
	}
}

// IsPhysical returns true if this is a hardware connection.
func (ct ConnectionType) IsPhysical() bool {
	switch ct {
	case ConnectionUSB, ConnectionBluetooth, ConnectionPS2, ConnectionInternal:
		return true
	default:
		return false
	}
}

// ProcInputDevices is the kernel's input device table.
const ProcInputDevices = "/proc/bus/input/devices"

// DevInputDir holds the evdev character devices.
const DevInputDir = "/dev/input"

var nameRe = regexp.MustCompile(`Name="([^"]*)"`)

// minKeyBitmapLen separates full keyboards from devices that expose only a
// few keys (power buttons, lid switches, media remotes).
const minKeyBitmapLen = 20

// ParseInputDevices reads the /proc/bus/input/devices format and returns the
// blocks that look like keyboards: an evdev handler plus a large KEY bitmap.
func ParseInputDevices(r io.Reader) ([]KeyboardDevice, error) {
	var (
		devices    []KeyboardDevice
		current    KeyboardDevice
		isKeyboard bool
	)

	flush := func() {
		if isKeyboard && current.EventPath != "" {
			if current.ConnectionType == ConnectionUnknown {
				current.ConnectionType = physToConnectionType(current.Phys)
			}
			devices = append(devices, current)
		}
		current = KeyboardDevice{}
		isKeyboard = false
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			flush()

		// I: Bus=0003 Vendor=046d Product=c52b Version=0111
		case strings.HasPrefix(line, "I:"):
			for _, part := range strings.Fields(line) {
				key, val, ok := strings.Cut(part, "=")
				if !ok {
					continue
				}
				switch key {
				case "Bus":
					current.ConnectionType = busToConnectionType(strings.ToUpper(val))
				case "Vendor":
					current.VendorID = parseHex16(val)
				case "Product":
					current.ProductID = parseHex16(val)
				case "Version":
					current.VersionNum = parseHex16(val)
				}
			}

		// N: Name="AT Translated Set 2 keyboard"
		case strings.HasPrefix(line, "N:"):
			if m := nameRe.FindStringSubmatch(line); len(m) > 1 {
				current.Name = m[1]
			}

		// P: Phys=isa0060/serio0/input0
		case strings.HasPrefix(line, "P: Phys="):
			current.Phys = strings.TrimPrefix(line, "P: Phys=")

		// H: Handlers=sysrq kbd event3 leds
		case strings.HasPrefix(line, "H: Handlers="):
			for _, h := range strings.Fields(strings.TrimPrefix(line, "H: Handlers=")) {
				if strings.HasPrefix(h, "event") {
					current.EventPath = path.Join(DevInputDir, h)
				}
			}

		// B: KEY=... capability bitmap
		case strings.HasPrefix(line, "B: KEY="):
			if len(strings.TrimPrefix(line, "B: KEY=")) > minKeyBitmapLen {
				isKeyboard = true
			}
		}
	}
	// Last block may lack the trailing blank line.
	flush()

	return devices, scanner.Err()
}

func parseHex16(s string) uint16 {
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0
	}
	return uint16(v)
}

// busToConnectionType converts a Linux bus code to ConnectionType.
func busToConnectionType(bus string) ConnectionType {
	switch bus {
	case "0003": // BUS_USB
		return ConnectionUSB
	case "0005": // BUS_BLUETOOTH
		return ConnectionBluetooth
	case "0011": // BUS_I8042
		return ConnectionPS2
	case "0019", "001D": // BUS_HOST, BUS_RMI
		return ConnectionInternal
	case "0006": // BUS_VIRTUAL
		return ConnectionVirtual
	default:
		return ConnectionUnknown
	}
}

// physToConnectionType guesses the connection from the phys path.
func physToConnectionType(phys string) ConnectionType {
	phys = strings.ToLower(phys)
	switch {
	case strings.HasPrefix(phys, "usb-"):
		return ConnectionUSB
	case strings.Contains(phys, "bluetooth"), strings.HasPrefix(phys, "bt-"):
		return ConnectionBluetooth
	case strings.HasPrefix(phys, "isa"), strings.Contains(phys, "i8042"), strings.Contains(phys, "serio"):
		return ConnectionPS2
	case strings.HasPrefix(phys, "virtual"), phys == "":
		return ConnectionVirtual
	}
	return ConnectionUnknown
}
