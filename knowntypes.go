package ogórek
// known-type handlers: recognise the handful of stdlib-backed Python
// classes a ZODB-adjacent codebase actually round-trips through pickle
// (datetime, date, time, timedelta, decimal.Decimal, uuid.UUID, and the
// set/frozenset constructors) and give each one a compact, typed JSON
// marker instead of falling through to the generic @reduce/@cls+@s shape.
//
// Every recogniser here looks at an already-decoded [*Call] (or bare
// [Class]) the way [Decoder] produces it — there is no separate AST for
// this layer to walk. A handler that does not fully understand the shape
// in front of it returns handled=false rather than emitting a partial or
// lossy marker; the caller then falls back to the generic mapping, which
// always round-trips.

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

func isBuiltin(c Class, name string) bool {
	return (c.Module == "builtins" || c.Module == "__builtin__") && c.Name == name
}

// pickleToKnownJSON tries to render v (normally a *Call produced by REDUCE,
// or the Class/Call pair NEWOBJ+BUILD left behind for uuid.UUID) as one of
// the typed JSON markers. toJSON recurses back into the general mapper for
// any sub-value that itself needs mapping (tuple elements, dict values...).
func pickleToKnownJSON(v interface{}, toJSON func(interface{}) (interface{}, error)) (interface{}, bool, error) {
	c, ok := v.(*Call)
	if !ok {
		return nil, false, nil
	}

	switch {
	case c.Callable.Module == "datetime" && c.Callable.Name == "datetime":
		return datetimeToJSON(c)
	case c.Callable.Module == "datetime" && c.Callable.Name == "date":
		return dateToJSON(c)
	case c.Callable.Module == "datetime" && c.Callable.Name == "time":
		return timeToJSON(c)
	case c.Callable.Module == "datetime" && c.Callable.Name == "timedelta":
		return timedeltaToJSON(c, toJSON)
	case c.Callable.Module == "decimal" && c.Callable.Name == "Decimal":
		return decimalToJSON(c)
	case c.Callable.Module == "uuid" && c.Callable.Name == "UUID":
		return uuidToJSON(c)
	case c.Callable.Module == "BTrees.Length" && c.Callable.Name == "Length":
		return lengthToJSON(c, toJSON)
	case isBuiltin(c.Callable, "set"):
		return reduceSetToJSON(c, toJSON, "@set")
	case isBuiltin(c.Callable, "frozenset"):
		return reduceSetToJSON(c, toJSON, "@fset")
	}
	return nil, false, nil
}

// jsonToKnownPickle is the reverse of pickleToKnownJSON: given a JSON
// object, it checks for the handful of marker keys this file owns (in the
// priority order jsonmapper.go uses) and builds the matching pickle value.
func jsonToKnownPickle(m map[string]interface{}, fromJSON func(interface{}) (interface{}, error)) (interface{}, bool, error) {
	if raw, ok := m["@dt"]; ok {
		return datetimeFromJSON(raw, m["@tz"])
	}
	if raw, ok := m["@date"]; ok {
		return dateFromJSON(raw)
	}
	if raw, ok := m["@time"]; ok {
		return timeFromJSON(raw, m["@tz"])
	}
	if raw, ok := m["@td"]; ok {
		return timedeltaFromJSON(raw, fromJSON)
	}
	if raw, ok := m["@dec"]; ok {
		return decimalFromJSON(raw)
	}
	if raw, ok := m["@uuid"]; ok {
		return uuidFromJSON(raw)
	}
	if raw, ok := m["@len"]; ok {
		return lengthFromJSON(raw, fromJSON)
	}
	if raw, ok := m["@set"]; ok {
		return reduceSetFromJSON(raw, fromJSON, "set")
	}
	if raw, ok := m["@fset"]; ok {
		return reduceSetFromJSON(raw, fromJSON, "frozenset")
	}
	return nil, false, nil
}

// --- timedelta --------------------------------------------------------

func timedeltaToJSON(c *Call, toJSON func(interface{}) (interface{}, error)) (interface{}, bool, error) {
	if len(c.Args) != 3 {
		return nil, false, nil
	}
	arr := make([]interface{}, 3)
	for i, a := range c.Args {
		j, err := toJSON(a)
		if err != nil {
			return nil, false, err
		}
		arr[i] = j
	}
	return map[string]interface{}{"@td": arr}, true, nil
}

func timedeltaFromJSON(raw interface{}, fromJSON func(interface{}) (interface{}, error)) (interface{}, bool, error) {
	arr, ok := raw.([]interface{})
	if !ok || len(arr) != 3 {
		return nil, false, fmt.Errorf("ogórek: @td: want a 3-element array, got %T", raw)
	}
	args := make(Tuple, 3)
	for i, v := range arr {
		pv, err := fromJSON(v)
		if err != nil {
			return nil, false, err
		}
		args[i] = pv
	}
	return &Call{Callable: Class{Module: "datetime", Name: "timedelta"}, Args: args}, true, nil
}

// --- decimal.Decimal ----------------------------------------------------

func decimalToJSON(c *Call) (interface{}, bool, error) {
	if len(c.Args) != 1 {
		return nil, false, nil
	}
	s, err := AsString(c.Args[0])
	if err != nil {
		return nil, false, nil
	}
	return map[string]interface{}{"@dec": s}, true, nil
}

func decimalFromJSON(raw interface{}) (interface{}, bool, error) {
	s, ok := raw.(string)
	if !ok {
		return nil, false, fmt.Errorf("ogórek: @dec: want a string, got %T", raw)
	}
	return &Call{
		Callable: Class{Module: "decimal", Name: "Decimal"},
		Args:     Tuple{s},
	}, true, nil
}

// --- BTrees.Length.Length ---------------------------------------------
//
// BTrees.Length.Length is a mutable boxed integer counter; it pickles as a
// REDUCE call carrying its current value as a single int/long argument.
// It gets its own bare scalar marker rather than the generic @cls/@s shape
// a BTrees container would: unlike the container types in btree.go, there
// is nothing here to flatten.

func lengthToJSON(c *Call, toJSON func(interface{}) (interface{}, error)) (interface{}, bool, error) {
	if len(c.Args) != 1 {
		return nil, false, nil
	}
	switch c.Args[0].(type) {
	case int64, *big.Int:
	default:
		return nil, false, nil
	}
	j, err := toJSON(c.Args[0])
	if err != nil {
		return nil, false, err
	}
	return map[string]interface{}{"@len": j}, true, nil
}

func lengthFromJSON(raw interface{}, fromJSON func(interface{}) (interface{}, error)) (interface{}, bool, error) {
	n, err := fromJSON(raw)
	if err != nil {
		return nil, false, err
	}
	switch n.(type) {
	case int64, *big.Int:
	default:
		return nil, false, fmt.Errorf("ogórek: @len: want an integer, got %T", n)
	}
	return &Call{
		Callable: Class{Module: "BTrees.Length", Name: "Length"},
		Args:     Tuple{n},
	}, true, nil
}

// --- uuid.UUID ------------------------------------------------------------
//
// uuid.UUID defines no __reduce__ of its own, so protocol 2+ pickles it as
// NEWOBJ(uuid.UUID, ()) followed by BUILD({"int": N, "is_safe": ...}) — the
// default object __getstate__/__setstate__ pair. is_safe does not survive
// the JSON round-trip; restored values always come back with is_safe unset
// (Python's SafeUUID.unknown).

func uuidToJSON(c *Call) (interface{}, bool, error) {
	state := c.State
	var intVal interface{}
	switch s := state.(type) {
	case map[interface{}]interface{}:
		v, ok := s["int"]
		if !ok {
			return nil, false, nil
		}
		intVal = v
	case Dict:
		v, ok := s.Get_("int")
		if !ok {
			return nil, false, nil
		}
		intVal = v
	default:
		return nil, false, nil
	}

	big128, err := toBigInt(intVal)
	if err != nil {
		return nil, false, nil
	}
	b := big128.FillBytes(make([]byte, 16))
	id, err := uuid.FromBytes(b)
	if err != nil {
		return nil, false, fmt.Errorf("ogórek: uuid: %s", err)
	}
	return map[string]interface{}{"@uuid": id.String()}, true, nil
}

func uuidFromJSON(raw interface{}) (interface{}, bool, error) {
	s, ok := raw.(string)
	if !ok {
		return nil, false, fmt.Errorf("ogórek: @uuid: want a string, got %T", raw)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil, false, fmt.Errorf("ogórek: @uuid: %s", err)
	}
	n := new(big.Int).SetBytes(id[:])
	var intVal interface{} = n
	if n.IsInt64() {
		intVal = n.Int64()
	}
	return &Call{
		Callable: Class{Module: "uuid", Name: "UUID"},
		Args:     Tuple{},
		State:    map[interface{}]interface{}{"int": intVal},
	}, true, nil
}

func toBigInt(v interface{}) (*big.Int, error) {
	switch v := v.(type) {
	case int64:
		return big.NewInt(v), nil
	case *big.Int:
		return v, nil
	}
	return nil, fmt.Errorf("expect int64|*big.Int; got %T", v)
}

// --- set(...) / frozenset(...) via REDUCE ---------------------------------
//
// The native FROZENSET/ADDITEMS opcodes already decode straight to [Set]/
// [FrozenSet], which the generic mapper (jsonmapper.go) turns into the same
// @set/@fset markers this produces; this handler exists for the other
// encoding CPython uses for a set literal, a REDUCE call to the set/
// frozenset builtin with a single list argument.

func reduceSetToJSON(c *Call, toJSON func(interface{}) (interface{}, error), marker string) (interface{}, bool, error) {
	if len(c.Args) != 1 {
		return nil, false, nil
	}
	items, ok := c.Args[0].([]interface{})
	if !ok {
		return nil, false, nil
	}
	arr := make([]interface{}, len(items))
	for i, it := range items {
		j, err := toJSON(it)
		if err != nil {
			return nil, false, err
		}
		arr[i] = j
	}
	return map[string]interface{}{marker: arr}, true, nil
}

func reduceSetFromJSON(raw interface{}, fromJSON func(interface{}) (interface{}, error), name string) (interface{}, bool, error) {
	arr, ok := raw.([]interface{})
	if !ok {
		return nil, false, fmt.Errorf("ogórek: @%s: want an array, got %T", name, raw)
	}
	if name == "frozenset" {
		out := make(FrozenSet, len(arr))
		for i, v := range arr {
			pv, err := fromJSON(v)
			if err != nil {
				return nil, false, err
			}
			out[i] = pv
		}
		return out, true, nil
	}
	out := make(Set, len(arr))
	for i, v := range arr {
		pv, err := fromJSON(v)
		if err != nil {
			return nil, false, err
		}
		out[i] = pv
	}
	return out, true, nil
}

// --- datetime.date/time/datetime -----------------------------------------
//
// All three pickle as a REDUCE call to the class with a single fixed-width
// bytes argument (plus, for time and datetime, an optional tzinfo second
// argument). Below protocol 3 the bytes argument itself arrives wrapped in
// the _codecs.encode(..., 'latin1') trick, which ogorek.go's handleCall
// already unwraps into [Bytes] — so by the time this layer sees it, it is
// always a plain [Bytes] regardless of source protocol.

func dateStateBytes(c *Call, nargs int) ([]byte, Tuple, bool) {
	if len(c.Args) < 1 || len(c.Args) > nargs {
		return nil, nil, false
	}
	b, err := AsBytes(c.Args[0])
	if err != nil {
		return nil, nil, false
	}
	return []byte(b), c.Args[1:], true
}

func dateToJSON(c *Call) (interface{}, bool, error) {
	b, _, ok := dateStateBytes(c, 1)
	if !ok || len(b) != 4 {
		return nil, false, nil
	}
	year := int(b[0])<<8 | int(b[1])
	month, day := int(b[2]), int(b[3])
	return map[string]interface{}{
		"@date": fmt.Sprintf("%04d-%02d-%02d", year, month, day),
	}, true, nil
}

func dateFromJSON(raw interface{}) (interface{}, bool, error) {
	s, ok := raw.(string)
	if !ok {
		return nil, false, fmt.Errorf("ogórek: @date: want a string, got %T", raw)
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, false, fmt.Errorf("ogórek: @date: %s", err)
	}
	b := []byte{byte(t.Year() >> 8), byte(t.Year()), byte(t.Month()), byte(t.Day())}
	return &Call{
		Callable: Class{Module: "datetime", Name: "date"},
		Args:     Tuple{Bytes(b)},
	}, true, nil
}

func timeToJSON(c *Call) (interface{}, bool, error) {
	b, rest, ok := dateStateBytes(c, 2)
	if !ok || len(b) != 6 {
		return nil, false, nil
	}
	hour, min, sec := int(b[0]), int(b[1]), int(b[2])
	us := int(b[3])<<16 | int(b[4])<<8 | int(b[5])

	offset, tzMarker, handled, err := tzToJSON(rest)
	if err != nil || !handled {
		return nil, false, err
	}

	value := fmt.Sprintf("%02d:%02d:%02d", hour, min, sec)
	if us != 0 {
		value += fmt.Sprintf(".%06d", us)
	}
	if tzMarker != nil {
		return map[string]interface{}{"@time": value, "@tz": tzMarker}, true, nil
	}
	return map[string]interface{}{"@time": value + offset}, true, nil
}

func timeFromJSON(raw, tzMarker interface{}) (interface{}, bool, error) {
	value, ok := raw.(string)
	if !ok {
		return nil, false, fmt.Errorf("ogórek: @time: want a string, got %T", raw)
	}
	hour, min, sec, us, offset, rest, err := parseISOTime(value)
	if err != nil {
		return nil, false, fmt.Errorf("ogórek: @time: %s", err)
	}
	_ = rest
	b := []byte{byte(hour), byte(min), byte(sec), byte(us >> 16), byte(us >> 8), byte(us)}
	args := Tuple{Bytes(b)}
	if tz, ok, err := tzFromJSON(offset, tzMarker); err != nil {
		return nil, false, err
	} else if ok {
		args = append(args, tz)
	}
	return &Call{Callable: Class{Module: "datetime", Name: "time"}, Args: args}, true, nil
}

func datetimeToJSON(c *Call) (interface{}, bool, error) {
	b, rest, ok := dateStateBytes(c, 2)
	if !ok || len(b) != 10 {
		return nil, false, nil
	}
	year := int(b[0])<<8 | int(b[1])
	month, day := int(b[2]), int(b[3])
	hour, min, sec := int(b[4]), int(b[5]), int(b[6])
	us := int(b[7])<<16 | int(b[8])<<8 | int(b[9])

	offset, tzMarker, handled, err := tzToJSON(rest)
	if err != nil || !handled {
		return nil, false, err
	}

	value := fmt.Sprintf("%04d-%02d-%02dT%02d:%02d:%02d", year, month, day, hour, min, sec)
	if us != 0 {
		value += fmt.Sprintf(".%06d", us)
	}
	if tzMarker != nil {
		return map[string]interface{}{"@dt": value, "@tz": tzMarker}, true, nil
	}
	return map[string]interface{}{"@dt": value + offset}, true, nil
}

func datetimeFromJSON(raw, tzMarker interface{}) (interface{}, bool, error) {
	value, ok := raw.(string)
	if !ok {
		return nil, false, fmt.Errorf("ogórek: @dt: want a string, got %T", raw)
	}
	year, month, day, hour, min, sec, us, offset, err := parseISODatetime(value)
	if err != nil {
		return nil, false, fmt.Errorf("ogórek: @dt: %s", err)
	}
	b := []byte{
		byte(year >> 8), byte(year), byte(month), byte(day),
		byte(hour), byte(min), byte(sec),
		byte(us >> 16), byte(us >> 8), byte(us),
	}
	args := Tuple{Bytes(b)}
	if tz, ok, err := tzFromJSON(offset, tzMarker); err != nil {
		return nil, false, err
	} else if ok {
		args = append(args, tz)
	}
	return &Call{Callable: Class{Module: "datetime", Name: "datetime"}, Args: args}, true, nil
}

// --- tzinfo <-> offset/@tz ------------------------------------------------
//
// tzToJSON inspects the optional tzinfo argument trailing a time/datetime
// REDUCE call. A fixed UTC offset (datetime.timezone, or the pytz UTC
// singleton) folds into an ISO offset suffix; anything else that this layer
// still recognises (a pytz named zone, a zoneinfo key) becomes a separate
// @tz payload alongside the naive ISO value. handled=false means the
// caller should abandon known-type handling for the whole value and fall
// back to the generic @reduce mapping.
func tzToJSON(args Tuple) (offsetSuffix string, tzMarker interface{}, handled bool, err error) {
	if len(args) == 0 {
		return "", nil, true, nil
	}
	if len(args) != 1 {
		return "", nil, false, nil
	}
	tz := args[0]

	if tz == (Class{Module: "pytz", Name: "UTC"}) {
		return "+00:00", nil, true, nil
	}

	c, ok := tz.(*Call)
	if !ok {
		return "", nil, false, nil
	}

	switch {
	case c.Callable.Module == "datetime" && c.Callable.Name == "timezone":
		secs, ok := timedeltaSeconds(c.Args)
		if !ok {
			return "", nil, false, nil
		}
		return formatOffset(secs), nil, true, nil

	case c.Callable.Module == "pytz" && c.Callable.Name == "_UTC":
		return "+00:00", nil, true, nil

	case c.Callable.Module == "pytz" && c.Callable.Name == "_p":
		if len(c.Args) < 1 {
			return "", nil, false, nil
		}
		zone, err := AsString(c.Args[0])
		if err != nil {
			return "", nil, false, nil
		}
		return "", map[string]interface{}{"pytz": []interface{}(append(Tuple{}, c.Args...)), "name": zone}, true, nil

	case c.Callable.Module == "zoneinfo" && c.Callable.Name == "ZoneInfo":
		if len(c.Args) != 1 {
			return "", nil, false, nil
		}
		key, err := AsString(c.Args[0])
		if err != nil {
			return "", nil, false, nil
		}
		return "", map[string]interface{}{"zoneinfo": key}, true, nil
	}
	return "", nil, false, nil
}

// timedeltaSeconds extracts (days*86400+seconds) from a one-element args
// Tuple holding a decoded datetime.timedelta REDUCE call; any other shape
// reports false.
func timedeltaSeconds(args Tuple) (int64, bool) {
	if len(args) != 1 {
		return 0, false
	}
	c, ok := args[0].(*Call)
	if !ok || c.Callable.Module != "datetime" || c.Callable.Name != "timedelta" || len(c.Args) != 3 {
		return 0, false
	}
	days, err1 := AsInt64(c.Args[0])
	secs, err2 := AsInt64(c.Args[1])
	if err1 != nil || err2 != nil {
		return 0, false
	}
	return days*86400 + secs, true
}

func formatOffset(totalSeconds int64) string {
	sign := "+"
	if totalSeconds < 0 {
		sign = "-"
		totalSeconds = -totalSeconds
	}
	h := totalSeconds / 3600
	m := (totalSeconds % 3600) / 60
	return fmt.Sprintf("%s%02d:%02d", sign, h, m)
}

// tzFromJSON is the reverse of tzToJSON: given the ISO offset suffix
// parsed off a @dt/@time value and/or an explicit @tz payload, it rebuilds
// the pickle-level tzinfo argument.
func tzFromJSON(offset string, tzMarker interface{}) (interface{}, bool, error) {
	if m, ok := tzMarker.(map[string]interface{}); ok {
		if pytzArgs, ok := m["pytz"].([]interface{}); ok {
			args := make(Tuple, len(pytzArgs))
			copy(args, pytzArgs)
			return &Call{Callable: Class{Module: "pytz", Name: "_p"}, Args: args}, true, nil
		}
		if key, ok := m["zoneinfo"].(string); ok {
			return &Call{Callable: Class{Module: "zoneinfo", Name: "ZoneInfo"}, Args: Tuple{key}}, true, nil
		}
		return nil, false, fmt.Errorf("ogórek: @tz: unrecognised payload %v", m)
	}
	if offset == "" {
		return nil, false, nil
	}
	if offset == "+00:00" || offset == "Z" {
		return Class{Module: "pytz", Name: "UTC"}, true, nil
	}
	secs, err := parseOffset(offset)
	if err != nil {
		return nil, false, err
	}
	return &Call{
		Callable: Class{Module: "datetime", Name: "timezone"},
		Args: Tuple{&Call{
			Callable: Class{Module: "datetime", Name: "timedelta"},
			Args:     Tuple{int64(0), secs, int64(0)},
		}},
	}, true, nil
}

func parseOffset(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty offset")
	}
	sign := int64(1)
	if s[0] == '-' {
		sign = -1
		s = s[1:]
	} else if s[0] == '+' {
		s = s[1:]
	}
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("malformed offset %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, err
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, err
	}
	return sign * int64(h*3600+m*60), nil
}

// parseISOTime parses "HH:MM:SS[.ffffff][+HH:MM|Z]".
func parseISOTime(s string) (hour, min, sec, us int, offset string, rest string, err error) {
	body := s
	if i := strings.IndexAny(s, "Z+-"); i > 0 {
		// a leading '-' at index 0 cannot happen (no negative times); any
		// '+'/'-'/'Z' after that point starts the offset.
		body, offset = s[:i], s[i:]
	}
	if offset == "Z" {
		offset = "+00:00"
	}
	dot := strings.IndexByte(body, '.')
	clock := body
	if dot >= 0 {
		clock = body[:dot]
	}
	parts := strings.Split(clock, ":")
	if len(parts) != 3 {
		return 0, 0, 0, 0, "", "", fmt.Errorf("malformed time %q", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil {
		return
	}
	min, err = strconv.Atoi(parts[1])
	if err != nil {
		return
	}
	sec, err = strconv.Atoi(parts[2])
	if err != nil {
		return
	}
	if dot >= 0 {
		frac := body[dot+1:]
		for len(frac) < 6 {
			frac += "0"
		}
		frac = frac[:6]
		us, err = strconv.Atoi(frac)
		if err != nil {
			return
		}
	}
	return hour, min, sec, us, offset, "", nil
}

// parseISODatetime parses "YYYY-MM-DDTHH:MM:SS[.ffffff][+HH:MM|Z]".
func parseISODatetime(s string) (year, month, day, hour, min, sec, us int, offset string, err error) {
	i := strings.IndexByte(s, 'T')
	if i < 0 {
		err = fmt.Errorf("malformed datetime %q", s)
		return
	}
	datePart, timePart := s[:i], s[i+1:]
	parts := strings.Split(datePart, "-")
	if len(parts) != 3 {
		err = fmt.Errorf("malformed date %q", datePart)
		return
	}
	if year, err = strconv.Atoi(parts[0]); err != nil {
		return
	}
	if month, err = strconv.Atoi(parts[1]); err != nil {
		return
	}
	if day, err = strconv.Atoi(parts[2]); err != nil {
		return
	}
	hour, min, sec, us, offset, _, err = parseISOTime(timePart)
	return
}
