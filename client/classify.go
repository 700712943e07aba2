package client

import (
	"fmt"
	"strings"

	"github.com/guseggert/pipes/protocol"
	"github.com/guseggert/pipes/task"
	"go.uber.org/zap"
)

// classify maps a worker response onto an Outcome. The switch is exhaustive over protocol statuses;
// a status it does not know is a protocol error, never a success.
func classify(resp protocol.Response, codec task.Codec, log *zap.SugaredLogger, taskID string, elapsedMS int64) (Outcome, error) {
	switch resp.Status {
	case protocol.StatusOOM:
		log.Warnf("oom: %s in %d ms", taskID, elapsedMS)
		return OutOfMemory(), nil
	case protocol.StatusTimeout:
		log.Warnf("server response timeout: %s in %d ms", taskID, elapsedMS)
		return Timeout(), nil
	case protocol.StatusEmitException:
		log.Warnf("emit exception: %s in %d ms", taskID, elapsedMS)
		return EmitException(message(resp)), nil
	case protocol.StatusNoEmitterFound:
		log.Warnf("no emitter found: %s", taskID)
		return NoEmitterFound(), nil
	case protocol.StatusParseSuccess, protocol.StatusParseExceptionEmit:
		var data task.EmitData
		if err := codec.Unmarshal(resp.Body, &data); err != nil {
			log.Errorf("couldn't deserialize emit data for %s: %s", taskID, err)
			return Outcome{}, fmt.Errorf("%w: decoding %d byte %s payload for %s: %w", ErrUnrecoverable, len(resp.Body), codec.Name(), taskID, err)
		}
		log.Infof("parse success: %s in %d ms", taskID, elapsedMS)
		return Success(&data), nil
	case protocol.StatusParseExceptionNoEmit:
		log.Warnf("parse exception, not emitted: %s in %d ms", taskID, elapsedMS)
		return ParseExceptionNoEmit(message(resp)), nil
	case protocol.StatusEmitSuccess:
		log.Infof("emit success: %s in %d ms", taskID, elapsedMS)
		return EmitSuccess(), nil
	case protocol.StatusEmitSuccessParseException:
		log.Warnf("emit success with parse exception: %s in %d ms", taskID, elapsedMS)
		return EmitSuccessWithParseError(message(resp)), nil
	default:
		return Outcome{}, fmt.Errorf("%w: problem reading response from worker: %s", ErrProtocol, resp.Status)
	}
}

// message decodes a diagnostic as UTF-8, replacing invalid sequences, and never returns "".
func message(resp protocol.Response) string {
	msg := strings.ToValidUTF8(string(resp.Body), "�")
	if msg == "" {
		return fmt.Sprintf("%s (worker sent no message)", resp.Status)
	}
	return msg
}
