package stt

// Observer receives pipeline events. Callbacks run on the processing
// goroutine and must not block for long.
type Observer interface {
	SpeechDetectionStatusChanged(status SpeechDetectionStatus)
	IntermediateText(text string)
	SentenceTimeout()
	Flush(kind FlushKind)
	// EngineFailed is called at most once, when the processor becomes
	// unusable.
	EngineFailed(err error)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are ignored.
type ObserverFuncs struct {
	OnStatus          func(SpeechDetectionStatus)
	OnIntermediate    func(string)
	OnSentenceTimeout func()
	OnFlush           func(FlushKind)
	OnEngineFailed    func(error)
}

func (f ObserverFuncs) SpeechDetectionStatusChanged(status SpeechDetectionStatus) {
	if f.OnStatus != nil {
		f.OnStatus(status)
	}
}

func (f ObserverFuncs) IntermediateText(text string) {
	if f.OnIntermediate != nil {
		f.OnIntermediate(text)
	}
}

func (f ObserverFuncs) SentenceTimeout() {
	if f.OnSentenceTimeout != nil {
		f.OnSentenceTimeout()
	}
}

func (f ObserverFuncs) Flush(kind FlushKind) {
	if f.OnFlush != nil {
		f.OnFlush(kind)
	}
}

func (f ObserverFuncs) EngineFailed(err error) {
	if f.OnEngineFailed != nil {
		f.OnEngineFailed(err)
	}
}

// Observers fans every event out in order.
type Observers []Observer

func (o Observers) SpeechDetectionStatusChanged(status SpeechDetectionStatus) {
	for _, obs := range o {
		obs.SpeechDetectionStatusChanged(status)
	}
}

func (o Observers) IntermediateText(text string) {
	for _, obs := range o {
		obs.IntermediateText(text)
	}
}

func (o Observers) SentenceTimeout() {
	for _, obs := range o {
		obs.SentenceTimeout()
	}
}

func (o Observers) Flush(kind FlushKind) {
	for _, obs := range o {
		obs.Flush(kind)
	}
}

func (o Observers) EngineFailed(err error) {
	for _, obs := range o {
		obs.EngineFailed(err)
	}
}
