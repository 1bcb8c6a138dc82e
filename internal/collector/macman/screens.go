package macman

// Screen names as they appear in the LastProcessed.<SCREEN> watermark nodes
// and the envelope measurement_type.
const (
	ScreenAlarmHistory     = "ALARM_HISTORY_DISPLAY"
	ScreenMachiningReport  = "MACHINING_REPORT_DISPLAY"
	ScreenNCStatusAtAlarm  = "NC_STATUS_AT_ALARM_DISPLAY"
	ScreenOperatingReport  = "OPERATING_REPORT_DISPLAY"
	ScreenOperationHistory = "OPERATION_HISTORY_DISPLAY"
)

// Every MacMan read goes through GetByString with subsystem 1, minor 0,
// style 9; only the major index and the record subscript vary.
const (
	macmanSubsystem = 1
	macmanMinor     = 0
	macmanStyle     = 9
)

// machiningPeriodOffset is the controller's PERIOD-mode offset applied to
// the machining report's numbered fields. The 5001+offset*2 / 3042+offset*12
// arithmetic is the controller's own indexing scheme; do not normalize the
// constants.
const machiningPeriodOffset = 2

// fieldSpec names one per-record field and the major index it is read at.
type fieldSpec struct {
	name  string
	major int
}

// screen describes one MacMan screen type: how to probe the available
// record count, where its date/time live, how records compare against the
// watermark, and which fields each record carries.
type screen struct {
	name string

	// countMajor is the available-record-count probe's major index; zero
	// means the screen always exposes exactly one summary record.
	countMajor int

	dateMajor int
	// timeMajor is zero when the date field carries the full timestamp.
	timeMajor int

	// dateFieldName/timeFieldName are the raw strings' keys in the record's
	// field map (excluded from the envelope's "fields" during framing).
	dateFieldName string
	timeFieldName string

	// inclusive selects the watermark comparator: true collects records at
	// or after the watermark, false only strictly after it.
	inclusive bool

	// force collects the record regardless of the watermark.
	force bool

	fields []fieldSpec
}

// screens lists the five screen types in collection order.
var screens = []screen{
	{
		name:          ScreenAlarmHistory,
		countMajor:    2094,
		dateMajor:     5063,
		timeMajor:     5064,
		dateFieldName: "Date",
		timeFieldName: "Time",
		fields: []fieldSpec{
			{"AlarmNumber", 5080},
			{"AlarmType", 5081},
			{"AlarmCharacter", 5082},
		},
	},
	{
		name:          ScreenMachiningReport,
		countMajor:    2094,
		dateMajor:     5061,
		timeMajor:     5062,
		dateFieldName: "StartDay",
		timeFieldName: "StartTime",
		// The machining report re-emits a boundary record when the
		// watermark lands exactly on one; the comparator includes equal.
		inclusive: true,
		fields: []fieldSpec{
			{"MainProgramName", 5057},
			{"ProgramName", 5058},
			{"WorkCount", 5001 + machiningPeriodOffset*2},
			{"CuttingTime", 3042 + machiningPeriodOffset*12},
			{"RunTime", 3043 + machiningPeriodOffset*12},
			{"SpindleRunTime", 3044 + machiningPeriodOffset*12},
		},
	},
	{
		name:          ScreenNCStatusAtAlarm,
		countMajor:    2096,
		dateMajor:     5068,
		timeMajor:     5069,
		dateFieldName: "Date",
		timeFieldName: "Time",
		fields: []fieldSpec{
			{"AlarmNumber", 5100},
			{"MainProgramName", 5101},
			{"ProgramName", 5102},
			{"NCStatus", 5103},
		},
	},
	{
		name:          ScreenOperatingReport,
		dateMajor:     5056,
		dateFieldName: "Date",
		force:         true,
		fields: []fieldSpec{
			{"PowerOnTime", 5050},
			{"NCRunTime", 5051},
			{"CuttingTime", 5052},
			{"ExternalInputTime", 5053},
		},
	},
	{
		name:          ScreenOperationHistory,
		countMajor:    2095,
		dateMajor:     5065,
		timeMajor:     5066,
		dateFieldName: "Date",
		timeFieldName: "Time",
		fields: []fieldSpec{
			{"OperationType", 5090},
			{"OperationDetail", 5091},
		},
	},
}

// ScreenNames returns the five screen names in collection order.
func ScreenNames() []string {
	names := make([]string, len(screens))
	for i, s := range screens {
		names[i] = s.name
	}
	return names
}
