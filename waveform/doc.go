/*Package waveform synthesizes the sample buffers that drive the light-sheet
microscope's analog outputs.

Six output rows are generated for every frame, in this order:
 0 galvo      scanning mirror
 1 stage      piezo z-stage
 2 camera     camera trigger
 3 blank      AOTF blanking
 4 aotf488    488 nm line power
 5 aotf561    561 nm line power

A Frame covers one exposure plus its pre and post idle delays.  Frames are
stacked horizontally into a Timepoint by a Composer, which honours one of two
slice/channel orderings.  The sequencer package tiles Timepoints into the
buffers that are streamed to hardware.

Basic usage:
 consts := waveform.DefaultConstants()
 t := waveform.NewTiming(settings, consts)
 comp := waveform.NewComposer(consts)
 comp.AOTF.Power488 = 50
 tp, err := comp.Timepoint(settings, t, "", false)
 if err != nil {
 	// the previous buffer stays in use
 }
*/
package waveform
